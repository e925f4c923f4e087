package models

// ReleaseRule is a named policy gating fund release. A release request
// must satisfy every active rule (logical AND); evaluation order is
// stable but carries no priority.
type ReleaseRule struct {
	ID                    string `json:"id"`
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	DeliveryValidated     bool   `json:"delivery_validated"`
	ClientConfirmation    bool   `json:"client_confirmation"`
	PhotoProofRequired    bool   `json:"photo_proof_required"`
	SignatureRequired     bool   `json:"signature_required"`
	MinimumHoldHours      int    `json:"minimum_hold_hours"`
	MaximumHoldHours      int    `json:"maximum_hold_hours"`
	AutoReleaseAfterHours int    `json:"auto_release_after_hours"`
	Active                bool   `json:"active"`
}

// StandardReleaseRule mirrors the platform default: validated delivery
// with photo proof, one hour minimum hold, seven day maximum.
func StandardReleaseRule() ReleaseRule {
	return ReleaseRule{
		ID:                    "standard",
		Name:                  "Standard release conditions",
		DeliveryValidated:     true,
		PhotoProofRequired:    true,
		MinimumHoldHours:      1,
		MaximumHoldHours:      168,
		AutoReleaseAfterHours: 48,
		Active:                true,
	}
}
