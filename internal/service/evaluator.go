package service

import (
	"fmt"
	"time"

	"github.com/TheRebzu/ecodeli-sub018/internal/models"
)

// EvaluateRelease checks the supplied proof against every active rule.
// Rules combine as a pure AND in stable order; the first unmet condition
// short-circuits with a RuleViolation naming it. now is injected so the
// minimum-hold check is testable.
func EvaluateRelease(tx *models.EscrowTransaction, proof models.ReleaseProof, rules []models.ReleaseRule, now time.Time) error {
	for _, rule := range rules {
		if !rule.Active {
			continue
		}

		if rule.DeliveryValidated && !proof.DeliveryValidated {
			return &models.RuleViolation{Rule: rule.ID, Reason: "delivery not validated"}
		}
		if rule.ClientConfirmation && !proof.ClientConfirmation {
			return &models.RuleViolation{Rule: rule.ID, Reason: "client confirmation required"}
		}
		if rule.PhotoProofRequired && len(proof.Photos) == 0 {
			return &models.RuleViolation{Rule: rule.ID, Reason: "photo proof required"}
		}
		if rule.SignatureRequired && proof.Signature == "" {
			return &models.RuleViolation{Rule: rule.ID, Reason: "signature required"}
		}

		if rule.MinimumHoldHours > 0 && tx.CapturedAt != nil {
			held := now.Sub(*tx.CapturedAt)
			minimum := time.Duration(rule.MinimumHoldHours) * time.Hour
			if held < minimum {
				return &models.RuleViolation{
					Rule:   rule.ID,
					Reason: fmt.Sprintf("minimum hold period not reached (%dh)", rule.MinimumHoldHours),
				}
			}
		}
	}
	return nil
}
