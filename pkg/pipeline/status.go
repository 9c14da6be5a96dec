package pipeline

import "fmt"

// ArtefactStatus is the lifecycle status of an artefact. UNDECIDED is
// the initial state; the others are terminal.
type ArtefactStatus string

// Artefact lifecycle statuses.
const (
	StatusUndecided      ArtefactStatus = "UNDECIDED"
	StatusApproved       ArtefactStatus = "APPROVED"
	StatusMarkedAsFailed ArtefactStatus = "MARKED_AS_FAILED"
	StatusArchived       ArtefactStatus = "ARCHIVED"
)

// ParseArtefactStatus validates an artefact status string.
func ParseArtefactStatus(s string) (ArtefactStatus, error) {
	st := ArtefactStatus(s)
	switch st {
	case StatusUndecided, StatusApproved, StatusMarkedAsFailed, StatusArchived:
		return st, nil
	}

	return "", fmt.Errorf("unknown artefact status %q", s)
}

// TestExecutionStatus tracks the progress of one test run.
type TestExecutionStatus string

// Test execution statuses.
const (
	ExecutionNotStarted       TestExecutionStatus = "NOT_STARTED"
	ExecutionInProgress       TestExecutionStatus = "IN_PROGRESS"
	ExecutionEndedPrematurely TestExecutionStatus = "ENDED_PREMATURELY"
	ExecutionCompleted        TestExecutionStatus = "COMPLETED"
)

// ParseExecutionStatus validates a test execution status string.
func ParseExecutionStatus(s string) (TestExecutionStatus, error) {
	st := TestExecutionStatus(s)
	switch st {
	case ExecutionNotStarted, ExecutionInProgress,
		ExecutionEndedPrematurely, ExecutionCompleted:
		return st, nil
	}

	return "", fmt.Errorf("unknown test execution status %q", s)
}

// TestResultStatus is the outcome of one test case within an execution.
type TestResultStatus string

// Test result statuses.
const (
	ResultPassed  TestResultStatus = "PASSED"
	ResultFailed  TestResultStatus = "FAILED"
	ResultSkipped TestResultStatus = "SKIPPED"
)

// ParseResultStatus validates a test result status string.
func ParseResultStatus(s string) (TestResultStatus, error) {
	st := TestResultStatus(s)
	switch st {
	case ResultPassed, ResultFailed, ResultSkipped:
		return st, nil
	}

	return "", fmt.Errorf("unknown test result status %q", s)
}
