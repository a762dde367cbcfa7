package core

import "github.com/shopspring/decimal"

// WeightedAverageCost computes the running average after an inbound movement:
//
//	newCost = (existingQty*existingCost + incomingQty*incomingCost) / (existingQty + incomingQty)
//
// A zero denominator yields zero (a fully depleted, re-zeroed item).
func WeightedAverageCost(existingQty, existingCost, incomingQty, incomingCost decimal.Decimal) decimal.Decimal {
	total := existingQty.Add(incomingQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return existingQty.Mul(existingCost).Add(incomingQty.Mul(incomingCost)).Div(total)
}

// CostOfGoods is the value leaving stock on an outbound movement. It never feeds back
// into the average.
func CostOfGoods(quantity, averageCost decimal.Decimal) decimal.Decimal {
	return quantity.Abs().Mul(averageCost)
}

// valueInbound returns the average after receiving qty at unitCost into level.
// Negative on-hand (backorder) carries no value, so it is weighted as zero.
func valueInbound(level StockLevel, qty, unitCost decimal.Decimal) decimal.Decimal {
	existing := level.Quantity
	if existing.IsNegative() {
		existing = decimal.Zero
	}
	return WeightedAverageCost(existing, level.AverageUnitCost, qty, unitCost)
}
