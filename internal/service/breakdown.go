package service

import (
	"github.com/shopspring/decimal"

	"github.com/TheRebzu/ecodeli-sub018/internal/config"
	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

var hundred = decimal.NewFromInt(100)

// CalculateBreakdown splits a gross amount into platform fee, tax and
// service amount. Fee and tax are rounded to minor units and the service
// amount takes the remainder, so the three always sum back to the gross
// amount exactly. The deliverer fee (80% of the service amount) and the
// insurance fee are shares within the service amount, not additive.
func CalculateBreakdown(gross decimal.Decimal, cfg config.EscrowConfig) (models.PaymentBreakdown, error) {
	if gross.LessThanOrEqual(decimal.Zero) {
		return models.PaymentBreakdown{}, models.NewValidationError("amount", "must be positive")
	}

	platformFee := gross.Mul(cfg.PlatformFeePercent).Div(hundred).Round(2)
	taxAmount := gross.Mul(cfg.TaxRatePercent).Div(hundred).Round(2)
	serviceAmount := gross.Sub(platformFee).Sub(taxAmount)

	insuranceFee := decimal.Zero
	if gross.GreaterThan(cfg.InsuranceThreshold) {
		insuranceFee = cfg.InsuranceFee
	}

	return models.PaymentBreakdown{
		ServiceAmount: serviceAmount,
		DelivererFee:  serviceAmount.Mul(decimal.NewFromFloat(0.80)).Round(2),
		PlatformFee:   platformFee,
		TaxAmount:     taxAmount,
		InsuranceFee:  insuranceFee,
	}, nil
}

// FinalBreakdown applies the quality adjustment at release time: an
// excellent rating earns the deliverer a 5% bonus, a poor one a 5%
// penalty. The adjustment moves money only within the service-amount
// envelope; platform fee and tax never change, so the sum invariant is
// preserved.
func FinalBreakdown(base models.PaymentBreakdown, proof models.ReleaseProof) models.PaymentBreakdown {
	final := base
	if proof.ClientRating == 0 {
		return final
	}

	fee := base.DelivererFee
	switch {
	case proof.ClientRating >= 4.5:
		fee = fee.Mul(decimal.NewFromFloat(1.05)).Round(2)
	case proof.ClientRating < 3:
		fee = fee.Mul(decimal.NewFromFloat(0.95)).Round(2)
	}
	if fee.GreaterThan(base.ServiceAmount) {
		fee = base.ServiceAmount
	}
	final.DelivererFee = fee
	return final
}
