package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func pd(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestCalculateSizeKelly(t *testing.T) {
	// p=0.6, b=2 => f = 0.6 - 0.4/2 = 0.4; quarter-Kelly on 1000 = 100.
	size := CalculateSize(SizingInput{
		SignalSize:     dec("500"),
		Balance:        dec("1000"),
		WinProbability: pd("0.6"),
		WinAmount:      pd("2"),
		LossAmount:     pd("1"),
	})
	assert.True(t, size.Equal(dec("100")), "got %s", size)
}

func TestCalculateSizeKellyNegativeEdgeClampsToZero(t *testing.T) {
	// p=0.3, b=1 => f = 0.3 - 0.7 = -0.4, clamped to 0.
	size := CalculateSize(SizingInput{
		SignalSize:     dec("500"),
		Balance:        dec("1000"),
		WinProbability: pd("0.3"),
		WinAmount:      pd("1"),
		LossAmount:     pd("1"),
	})
	assert.True(t, size.IsZero())
}

func TestCalculateSizeKellyCappedBySignal(t *testing.T) {
	// f clamps to 1: quarter-Kelly is 250, signal asks only 50.
	size := CalculateSize(SizingInput{
		SignalSize:     dec("50"),
		Balance:        dec("1000"),
		WinProbability: pd("1"),
		WinAmount:      pd("100"),
		LossAmount:     pd("1"),
	})
	assert.True(t, size.Equal(dec("50")))
}

func TestCalculateSizeFixedFractional(t *testing.T) {
	// 1000 * 0.01 / 0.05 = 200.
	size := CalculateSize(SizingInput{
		SignalSize:       dec("500"),
		Balance:          dec("1000"),
		StopLossDistance: pd("0.05"),
		RiskPerTrade:     dec("0.01"),
	})
	assert.True(t, size.Equal(dec("200")), "got %s", size)
}

func TestCalculateSizeDefaultCeiling(t *testing.T) {
	// min(signal, 5% of balance).
	size := CalculateSize(SizingInput{
		SignalSize: dec("500"),
		Balance:    dec("1000"),
	})
	assert.True(t, size.Equal(dec("50")), "got %s", size)

	size = CalculateSize(SizingInput{
		SignalSize: dec("20"),
		Balance:    dec("1000"),
	})
	assert.True(t, size.Equal(dec("20")))
}

func TestCalculateSizeZeroBalance(t *testing.T) {
	size := CalculateSize(SizingInput{
		SignalSize: dec("500"),
		Balance:    decimal.Zero,
	})
	assert.True(t, size.IsZero())
}
