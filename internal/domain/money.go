package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PaymentBreakdown splits a charge into the platform commission and the
// seller payout. All values are integer cents.
type PaymentBreakdown struct {
	AmountCents         int64 `json:"amount_cents"`
	CommissionCents     int64 `json:"commission_cents"`
	SellerReceivesCents int64 `json:"seller_receives_cents"`
}

// ParseFeeRate parses a platform fee rate such as "0.10". The rate must lie in [0, 1).
func ParseFeeRate(raw string) (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: fee rate %q", ErrInvalidInput, raw)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("%w: fee rate %s out of range", ErrInvalidInput, rate)
	}
	return rate, nil
}

// ComputeBreakdown rounds the commission half away from zero.
func ComputeBreakdown(priceCents int64, feeRate decimal.Decimal) (PaymentBreakdown, error) {
	if priceCents <= 0 {
		return PaymentBreakdown{}, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	commission := decimal.NewFromInt(priceCents).Mul(feeRate).Round(0).IntPart()
	return PaymentBreakdown{
		AmountCents:         priceCents,
		CommissionCents:     commission,
		SellerReceivesCents: priceCents - commission,
	}, nil
}

func (b PaymentBreakdown) Balanced() bool {
	return b.CommissionCents >= 0 && b.SellerReceivesCents >= 0 && b.SellerReceivesCents+b.CommissionCents == b.AmountCents
}
