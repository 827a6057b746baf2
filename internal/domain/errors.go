package domain

import "errors"

var (
	// ErrMalformedInput marks boundary or submission data that cannot be interpreted.
	// Submissions failing with it have no side effects.
	ErrMalformedInput = errors.New("malformed input")

	// ErrCatalogUnavailable marks a failed scene search. Callers may retry the submission.
	ErrCatalogUnavailable = errors.New("scene catalog unavailable")

	// ErrInsufficientCoverage marks a scene whose usable pixels fall below the
	// coverage threshold. It is terminal for the scene and handled by shrinking
	// the expected count, never surfaced to the submitter.
	ErrInsufficientCoverage = errors.New("insufficient coverage")

	// ErrTransientProcessing marks band retrieval, artifact or store failures
	// that should be retried through queue redelivery.
	ErrTransientProcessing = errors.New("transient processing error")

	// ErrCounterUnderflow marks a decrement that would have taken the expected
	// scene count below zero. The count is clamped; the condition is logged.
	ErrCounterUnderflow = errors.New("expected scene count underflow")

	// ErrNotFound is returned by stores when a ledger entry or record is missing.
	ErrNotFound = errors.New("not found")

	// ErrSceneSkipped is returned by Store.UpdateScore when the scene already
	// carries a terminal skip marker. The score is not written.
	ErrSceneSkipped = errors.New("scene already skipped")

	// ErrPoisonJob marks a queue message that can never be processed.
	ErrPoisonJob = errors.New("unprocessable job")
)
