package anytime

import "strings"

// Eligibility is the outcome of the eligibility gate.
type Eligibility struct {
	Eligible bool
	Reason   string
}

// CheckEligibility decides whether a property can be visited unattended.
// It has no side effects; window creation must run it before persisting.
func CheckEligibility(facts PropertyFacts) Eligibility {
	if !facts.IsVacant {
		return Eligibility{Reason: "property is occupied; anytime visits require a vacant property"}
	}
	if !facts.HasLockbox {
		return Eligibility{Reason: "property has no lockbox for unattended access"}
	}
	if strings.TrimSpace(facts.AccessInstructions) == "" {
		return Eligibility{Reason: "Access instructions are required"}
	}
	return Eligibility{Eligible: true}
}

// Err converts an ineligible result into a validation error.
func (e Eligibility) Err() error {
	if e.Eligible {
		return nil
	}
	return validationError(e.Reason)
}
