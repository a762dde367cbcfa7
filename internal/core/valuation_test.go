package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWeightedAverageCost(t *testing.T) {
	tests := []struct {
		name                      string
		existingQty, existingCost string
		inQty, inCost             string
		want                      string
	}{
		{"first receipt", "0", "0", "100", "10", "10"},
		{"re-weight", "100", "10", "50", "16", "12"},
		{"same cost", "40", "7.5", "60", "7.5", "7.5"},
		{"free goods dilute", "10", "4", "10", "0", "2"},
		{"zero denominator", "0", "0", "0", "9", "0"},
		{"cancelling quantities", "-5", "3", "5", "3", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WeightedAverageCost(d(tt.existingQty), d(tt.existingCost), d(tt.inQty), d(tt.inCost))
			assert.Truef(t, d(tt.want).Equal(got), "want %s, got %s", tt.want, got)
		})
	}
}

func TestValueInboundIgnoresBackorderedQuantity(t *testing.T) {
	level := StockLevel{Quantity: d("-4"), AverageUnitCost: d("10")}
	got := valueInbound(level, d("6"), d("20"))
	assert.True(t, d("20").Equal(got), "got %s", got)
}

func TestCostOfGoods(t *testing.T) {
	assert.True(t, d("360").Equal(CostOfGoods(d("-30"), d("12"))))
}

func TestMovementTypeIsInbound(t *testing.T) {
	assert.True(t, MovementReceipt.IsInbound(d("1")))
	assert.True(t, MovementTransferIn.IsInbound(d("1")))
	assert.True(t, MovementAdjustment.IsInbound(d("1")))
	assert.False(t, MovementAdjustment.IsInbound(d("-1")))
	assert.False(t, MovementIssue.IsInbound(d("-1")))
	assert.False(t, MovementConsume.IsInbound(d("-1")))
	assert.False(t, MovementTransferOut.IsInbound(d("-1")))
}

func TestStockKeyLessOrdersByLocationThenItem(t *testing.T) {
	a := StockKey{ItemID: "Z", LocationID: "A"}
	b := StockKey{ItemID: "A", LocationID: "B"}
	c := StockKey{ItemID: "B", LocationID: "B"}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(b))
	assert.False(t, b.Less(b))
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(0, time.Second, time.Minute, 0))
	assert.Equal(t, time.Second, retryDelay(1, time.Second, time.Minute, 0))
	assert.Equal(t, 4*time.Second, retryDelay(3, time.Second, time.Minute, 0))
	assert.Equal(t, time.Minute, retryDelay(30, time.Second, time.Minute, 0))
	assert.Equal(t, time.Minute, retryDelay(5000, time.Second, time.Minute, 0))
}

func TestRetryDelayJitterStaysInBand(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := retryDelay(3, time.Second, time.Minute, 0.5)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}
