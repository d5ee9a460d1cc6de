package domain

import "github.com/shopspring/decimal"

// MoneyPlaces is the number of decimals kept for every monetary amount.
const MoneyPlaces = 2

// Dec converts a float to a decimal without binary noise.
func Dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

// Money rounds d half away from zero to MoneyPlaces and returns a float.
func Money(d decimal.Decimal) float64 {
	return d.Round(MoneyPlaces).InexactFloat64()
}

// Round2 rounds v to two decimals.
func Round2(v float64) float64 {
	return Money(Dec(v))
}

// Extend returns round(quantity × price, 2).
func Extend(quantity, price float64) float64 {
	return Money(Dec(quantity).Mul(Dec(price)))
}

// PercentOf returns round(base × pct / 100, 2).
func PercentOf(base, pct float64) float64 {
	return Money(Dec(base).Mul(Dec(pct)).Div(decimal.NewFromInt(100)))
}

// SumOf adds value(x) for every x and rounds the total to two decimals.
func SumOf[T any](items []T, value func(T) float64) float64 {
	total := decimal.Zero
	for _, item := range items {
		total = total.Add(Dec(value(item)))
	}
	return Money(total)
}
