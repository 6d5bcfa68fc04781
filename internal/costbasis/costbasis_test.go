package costbasis

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/investquest/portfolio-engine/internal/apperr"
	"github.com/investquest/portfolio-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func fill(qty, price float64) Fill {
	return Fill{Quantity: d(qty), Price: d(price)}
}

// --- Buy tests ---

func TestApplyBuy_NewPosition(t *testing.T) {
	pos, err := ApplyBuy(nil, "abc", fill(10, 100), d(100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos.Symbol != "ABC" {
		t.Errorf("expected symbol ABC, got %s", pos.Symbol)
	}
	if !pos.Quantity.Equal(d(10)) {
		t.Errorf("expected qty=10, got %s", pos.Quantity)
	}
	if !pos.AverageCost.Equal(d(100)) {
		t.Errorf("expected avg=100, got %s", pos.AverageCost)
	}
	if !pos.MarketValue.Equal(d(1000)) {
		t.Errorf("expected value=1000, got %s", pos.MarketValue)
	}
	if !pos.GainLoss.IsZero() {
		t.Errorf("expected zero gain/loss, got %s", pos.GainLoss)
	}
}

func TestApplyBuy_WeightedAverage(t *testing.T) {
	first, _ := ApplyBuy(nil, "ABC", fill(10, 100), d(100))
	pos, err := ApplyBuy(&first, "ABC", fill(5, 130), d(130))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !pos.Quantity.Equal(d(15)) {
		t.Errorf("expected qty=15, got %s", pos.Quantity)
	}
	// (10*100 + 5*130) / 15 = 110
	if !pos.AverageCost.Equal(d(110)) {
		t.Errorf("expected avg=110, got %s", pos.AverageCost)
	}
	if !pos.MarketValue.Equal(d(1950)) {
		t.Errorf("expected value=1950, got %s", pos.MarketValue)
	}
	if !pos.GainLoss.Equal(d(300)) {
		t.Errorf("expected gain=300, got %s", pos.GainLoss)
	}
}

func TestApplyBuy_MarkDiffersFromFillPrice(t *testing.T) {
	pos, _ := ApplyBuy(nil, "ABC", fill(4, 50), d(55))
	if !pos.AverageCost.Equal(d(50)) {
		t.Errorf("average cost must follow fill price, got %s", pos.AverageCost)
	}
	if !pos.MarketValue.Equal(d(220)) {
		t.Errorf("market value must follow mark, got %s", pos.MarketValue)
	}
	if !pos.GainLossPercentage.Equal(d(10)) {
		t.Errorf("expected 10%% gain, got %s", pos.GainLossPercentage)
	}
}

func TestApplyBuy_FractionalQuantity(t *testing.T) {
	pos, err := ApplyBuy(nil, "BTC", fill(0.25, 40000), d(40000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, _ = ApplyBuy(&pos, "BTC", fill(0.75, 44000), d(44000))
	// (0.25*40000 + 0.75*44000) / 1 = 43000
	if !pos.AverageCost.Equal(d(43000)) {
		t.Errorf("expected avg=43000, got %s", pos.AverageCost)
	}
}

func TestApplyBuy_ZeroQuantity(t *testing.T) {
	_, err := ApplyBuy(nil, "ABC", fill(0, 100), d(100))
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation kind, got %v", err)
	}
}

func TestApplyBuy_NegativePrice(t *testing.T) {
	_, err := ApplyBuy(nil, "ABC", fill(1, -1), d(100))
	if !errors.Is(err, ErrNegativePrice) {
		t.Errorf("expected ErrNegativePrice, got %v", err)
	}
}

func TestApplyBuy_DoesNotMutateInput(t *testing.T) {
	first, _ := ApplyBuy(nil, "ABC", fill(10, 100), d(100))
	before := first
	ApplyBuy(&first, "ABC", fill(5, 130), d(130))
	if !first.Quantity.Equal(before.Quantity) || !first.AverageCost.Equal(before.AverageCost) {
		t.Error("ApplyBuy must not mutate the existing position")
	}
}

// --- Sell tests ---

func TestApplySell_Partial(t *testing.T) {
	pos, _ := ApplyBuy(nil, "ABC", fill(10, 100), d(100))
	res, err := ApplySell(pos, fill(4, 120), d(120))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Closed {
		t.Error("partial sell must not close the position")
	}
	if !res.Position.Quantity.Equal(d(6)) {
		t.Errorf("expected qty=6, got %s", res.Position.Quantity)
	}
	if !res.Position.AverageCost.Equal(d(100)) {
		t.Errorf("average cost must be unchanged by a sell, got %s", res.Position.AverageCost)
	}
	if !res.Realized.Equal(d(80)) {
		t.Errorf("expected realized=80, got %s", res.Realized)
	}
	if !res.Position.MarketValue.Equal(d(720)) {
		t.Errorf("expected value=720, got %s", res.Position.MarketValue)
	}
}

func TestApplySell_FullLiquidation(t *testing.T) {
	pos, _ := ApplyBuy(nil, "ABC", fill(10, 100), d(100))
	pos, _ = ApplyBuy(&pos, "ABC", fill(5, 130), d(130))

	res, err := ApplySell(pos, fill(15, 140), d(140))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Closed {
		t.Error("selling the full quantity must close the position")
	}
	if !res.Position.Quantity.IsZero() {
		t.Errorf("expected qty=0, got %s", res.Position.Quantity)
	}
	// 15 * (140 - 110) = 450
	if !res.Realized.Equal(d(450)) {
		t.Errorf("expected realized=450, got %s", res.Realized)
	}
}

func TestApplySell_Insufficient(t *testing.T) {
	pos, _ := ApplyBuy(nil, "ABC", fill(10, 100), d(100))
	_, err := ApplySell(pos, fill(11, 100), d(100))
	if !errors.Is(err, ErrInsufficientQuantity) {
		t.Errorf("expected ErrInsufficientQuantity, got %v", err)
	}
	if !errors.Is(err, apperr.ErrInsufficientQuantity) {
		t.Errorf("expected insufficient-quantity kind, got %v", err)
	}
}

func TestApplySell_ZeroQuantity(t *testing.T) {
	pos, _ := ApplyBuy(nil, "ABC", fill(10, 100), d(100))
	_, err := ApplySell(pos, fill(0, 100), d(100))
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

func TestRevalue_ZeroCost(t *testing.T) {
	pos := Revalue(model.Position{Symbol: "FREE", Quantity: d(3)}, d(2))
	if !pos.MarketValue.Equal(d(6)) {
		t.Errorf("expected value=6, got %s", pos.MarketValue)
	}
	if !pos.GainLossPercentage.IsZero() {
		t.Errorf("percentage must be guarded at zero cost, got %s", pos.GainLossPercentage)
	}
}

func TestErrNoPosition_MatchesBothKinds(t *testing.T) {
	if !errors.Is(ErrNoPosition, apperr.ErrInsufficientQuantity) {
		t.Error("ErrNoPosition should match ErrInsufficientQuantity")
	}
	if !errors.Is(ErrNoPosition, apperr.ErrNotFound) {
		t.Error("ErrNoPosition should match ErrNotFound")
	}
}
