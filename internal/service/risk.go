package service

import (
	"github.com/shopspring/decimal"

	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

var riskAmountThreshold = decimal.NewFromInt(500)

// ScoreRisk computes a bounded 0-100 risk score from the payment
// context. The score only annotates the transaction; it never blocks a
// transition on its own.
func ScoreRisk(amount decimal.Decimal, method models.PaymentMethod, ctx models.RequestContext) int {
	score := 0

	if amount.GreaterThan(riskAmountThreshold) {
		score += 10
	}
	if method == models.MethodCard {
		score += 5
	}
	if ctx.IPAddress == "" {
		score += 20
	}

	if score > 100 {
		score = 100
	}
	return score
}
