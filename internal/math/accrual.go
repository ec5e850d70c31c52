package math

import (
	"github.com/shopspring/decimal"
)

// MarketTotals is the slice of market state touched by interest accrual.
type MarketTotals struct {
	TotalBalances       decimal.Decimal
	TotalBorrows        decimal.Decimal
	ReserveBalance      decimal.Decimal
	InterestAccumulator decimal.Decimal // debt growth index, starts at 1
	SupplyAccumulator   decimal.Decimal // supply growth index, starts at 1
}

// Accrual is the result of applying one accrual step.
type Accrual struct {
	Totals        MarketTotals
	Interest      decimal.Decimal // total interest charged to borrowers
	ReserveShare  decimal.Decimal // portion routed to reserves
	SupplierShare decimal.Decimal // portion credited to suppliers
}

// ComputeAccrual applies simple interest at ratePerSecond for elapsed seconds.
//
// Borrowers' debt grows by rate*elapsed. reserveFee of the interest goes to the
// reserve; the rest grows suppliers' balances through the supply accumulator.
// With no suppliers, the whole amount goes to the reserve.
func ComputeAccrual(totals MarketTotals, ratePerSecond, reserveFee decimal.Decimal, elapsed int64) Accrual {
	out := Accrual{Totals: totals, Interest: Zero, ReserveShare: Zero, SupplierShare: Zero}
	if elapsed <= 0 || ratePerSecond.IsZero() || !totals.TotalBorrows.IsPositive() {
		return out
	}

	growth := ratePerSecond.Mul(decimal.NewFromInt(elapsed))
	interest := totals.TotalBorrows.Mul(growth).RoundFloor(AmountConfig.DecimalPrecision)

	// Negative rates may not take more than the outstanding debt.
	if interest.Neg().GreaterThan(totals.TotalBorrows) {
		interest = totals.TotalBorrows.Neg()
		growth = One.Neg()
	}

	reserveShare := interest.Mul(reserveFee).RoundFloor(AmountConfig.DecimalPrecision)
	supplierShare := interest.Sub(reserveShare)

	out.Totals.InterestAccumulator = totals.InterestAccumulator.Mul(One.Add(growth)).Round(DivisionPrecision)
	out.Totals.TotalBorrows = totals.TotalBorrows.Add(interest)

	if totals.TotalBalances.IsPositive() {
		supplyGrowth := Div(supplierShare, totals.TotalBalances)
		out.Totals.SupplyAccumulator = totals.SupplyAccumulator.Mul(One.Add(supplyGrowth)).Round(DivisionPrecision)
		out.Totals.TotalBalances = totals.TotalBalances.Add(supplierShare)
	} else {
		reserveShare = interest
		supplierShare = Zero
	}
	out.Totals.ReserveBalance = totals.ReserveBalance.Add(reserveShare)

	out.Interest = interest
	out.ReserveShare = reserveShare
	out.SupplierShare = supplierShare
	return out
}

// Grow scales an amount recorded at accumulator `from` to accumulator `to`.
func Grow(amount, from, to decimal.Decimal) decimal.Decimal {
	if amount.IsZero() || from.IsZero() || from.Equal(to) {
		return amount
	}
	return AmountConfig.Round(MulDiv(amount, to, from), RoundDown)
}
