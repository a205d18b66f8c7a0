package domain

import (
	"errors"
	"fmt"
)

// ErrInsufficientData is a defined outcome, not a failure: the minimum
// sample size for a forecast or detection was not met.
var ErrInsufficientData = errors.New("insufficient data")

// ErrRunInProgress is returned when an ingest is triggered for a source that
// already has a run in flight. The trigger is rejected; the scheduler
// retries on its next pass.
var ErrRunInProgress = errors.New("ingest run already in progress for source")

// FetchFailed reports that a connector's upstream was unreachable or its
// retry budget was exhausted. It surfaces as a failed run record and is
// never fatal to the process.
type FetchFailed struct {
	Source   string
	Attempts int
	Err      error
}

func (e *FetchFailed) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("fetch failed for %s after %d attempts: %v", e.Source, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch failed for %s: %v", e.Source, e.Err)
}

func (e *FetchFailed) Unwrap() error { return e.Err }

// NormalizationError reports a single fetched record that could not be
// mapped to the canonical schema. The record is skipped and counted; the
// batch otherwise proceeds. A batch that is entirely unparseable escalates
// to FetchFailed.
type NormalizationError struct {
	Source string
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize %s record: %s: %s", e.Source, e.Field, e.Reason)
}

// FitFailure reports that the forecasting curve fit did not converge or
// produced a degenerate shape. Distinct from ErrInsufficientData: the data
// was there, the model was not.
type FitFailure struct {
	Reason string
}

func (e *FitFailure) Error() string {
	return "forecast fit failed: " + e.Reason
}
