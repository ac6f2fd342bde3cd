package compaction

import "errors"

// Compaction errors.
var (
	// ErrInvalidConfig is returned when the compaction configuration is invalid.
	ErrInvalidConfig = errors.New("invalid compaction configuration")

	// ErrTooFewRecords is the no-op guard: the session has no more records
	// than the keep-tail count, so there is nothing worth summarizing.
	ErrTooFewRecords = errors.New("too few records to compact")

	// ErrNothingToSummarize is returned when every record before the split
	// point carries only structured payloads and no text.
	ErrNothingToSummarize = errors.New("no text before split point")

	// ErrSummarizationFailed is returned when the summarization request to
	// the completion service fails. The session is left untouched.
	ErrSummarizationFailed = errors.New("summarization failed")

	// ErrEmptySummary is returned when the summarizer responds with a blank
	// summary. Treated exactly like a failed remote call.
	ErrEmptySummary = errors.New("summarizer returned an empty summary")
)
