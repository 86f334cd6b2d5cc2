// Package vesting holds the pure accrual and conversion arithmetic. All
// functions are deterministic in their inputs; the current time is always a
// parameter, never read from the wall clock.
package vesting

import (
	"math/big"
)

// Claimable computes how much of a stream's allocation has unlocked but not
// yet been paid out at time now (seconds).
//
// Before the start time nothing is claimable (the "return zero" policy; see
// DESIGN.md for the alternative). After startTime+duration the full
// remainder is claimable. In between the unlocked amount is
// floor(total * elapsed / duration); truncation under-allocates, which is
// what keeps claimed from ever being driven above total by a sequence of
// claims that each commit before the next is computed.
//
// total is a 128-bit quantity and elapsed is up to 64 bits, so the product
// needs up to 192 bits; big.Int is the intermediate accumulator.
func Claimable(total, claimed *big.Int, startTime, duration, now uint64) *big.Int {
	if now <= startTime {
		return new(big.Int)
	}
	if duration == 0 || now-startTime >= duration {
		return new(big.Int).Sub(total, claimed)
	}

	elapsed := new(big.Int).SetUint64(now - startTime)
	unlocked := new(big.Int).Mul(total, elapsed)
	unlocked.Quo(unlocked, new(big.Int).SetUint64(duration))

	// claimed can run ahead of the floor for records that were not produced
	// by this schedule (restored state, merged streams); clamp at zero.
	if unlocked.Cmp(claimed) <= 0 {
		return new(big.Int)
	}
	return unlocked.Sub(unlocked, claimed)
}

// ConvertOut computes the output-asset amount a deposit buys at the fixed
// rate (input units per output unit), scaled across the two assets'
// precisions:
//
//	amountOut = amountIn * 10^outDecimals / (rate * 10^inDecimals)
//
// The division truncates toward zero: a deposit that is not an exact
// multiple of the rate yields the floor of the ratio and the remainder is
// simply not allocated.
func ConvertOut(amountIn, rate *big.Int, inDecimals, outDecimals uint8) *big.Int {
	num := new(big.Int).Mul(amountIn, pow10(outDecimals))
	den := new(big.Int).Mul(rate, pow10(inDecimals))
	return num.Quo(num, den)
}

func pow10(d uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(d)), nil)
}
