package pipeline

import (
	"errors"
	"fmt"
)

// ReviewDecision is a fixed-vocabulary label attached to a test
// execution or to a build/environment review: either the single
// rejection tag or one of several approval reasons.
type ReviewDecision string

// Review decision tags.
const (
	DecisionRejected                         ReviewDecision = "REJECTED"
	DecisionApprovedInconsistentTest         ReviewDecision = "APPROVED_INCONSISTENT_TEST"
	DecisionApprovedUnstablePhysicalInfra    ReviewDecision = "APPROVED_UNSTABLE_PHYSICAL_INFRA"
	DecisionApprovedCustomerPrerequisiteFail ReviewDecision = "APPROVED_CUSTOMER_PREREQUISITE_FAIL"
	DecisionApprovedFaultyHardware           ReviewDecision = "APPROVED_FAULTY_HARDWARE"
	DecisionApprovedAllTestsPass             ReviewDecision = "APPROVED_ALL_TESTS_PASS"
)

// ErrUnknownDecision is returned when a decision tag is outside the
// closed vocabulary.
var ErrUnknownDecision = errors.New("unknown review decision")

// ErrInvalidDecisionSet is returned when a decision set mixes the
// rejection tag with approval tags.
var ErrInvalidDecisionSet = errors.New(
	"review decision set mixes rejection and approval tags",
)

// ParseDecision validates a single decision tag.
func ParseDecision(s string) (ReviewDecision, error) {
	d := ReviewDecision(s)
	switch d {
	case DecisionRejected,
		DecisionApprovedInconsistentTest,
		DecisionApprovedUnstablePhysicalInfra,
		DecisionApprovedCustomerPrerequisiteFail,
		DecisionApprovedFaultyHardware,
		DecisionApprovedAllTestsPass:
		return d, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownDecision, s)
}

// ValidateDecisions checks a decision set against the vocabulary and
// rejects sets that carry REJECTED together with any approval tag. An
// empty set is valid and means undecided.
func ValidateDecisions(decisions []ReviewDecision) error {
	var rejected, approved bool

	for _, d := range decisions {
		if _, err := ParseDecision(string(d)); err != nil {
			return err
		}

		if d == DecisionRejected {
			rejected = true
		} else {
			approved = true
		}
	}

	if rejected && approved {
		return ErrInvalidDecisionSet
	}

	return nil
}

// IsRejected reports whether a decision set carries the rejection tag.
func IsRejected(decisions []ReviewDecision) bool {
	for _, d := range decisions {
		if d == DecisionRejected {
			return true
		}
	}

	return false
}
