// Package compaction bounds a session's size by replacing the older part
// of the conversation with a generated summary. The most recent records
// are kept verbatim, and the cut never falls between a tool request and
// the result that answers it.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/mkarimi23/agentfs/storage"
	"github.com/mkarimi23/agentfs/types"
)

// CompactionMarker is the text of the synthetic user record inserted at
// sequence 0 after a compaction.
const CompactionMarker = "[Conversation compacted. Earlier turns were replaced by the summary that follows.]"

// Result contains the outcome of a compaction operation.
type Result struct {
	// OldRecords and NewRecords are the record counts before and after.
	OldRecords int
	NewRecords int

	// OldSize and NewSize are the store's size estimates before and after.
	OldSize int64
	NewSize int64

	// Summary is the generated summary text.
	Summary string

	// Duration is how long the compaction took, summarization included.
	Duration time.Duration
}

// Compactor performs session compaction against a store.
type Compactor struct {
	store      storage.Store
	summarizer Summarizer
	config     *Config
	logger     Logger
}

// New creates a Compactor that summarizes through the Anthropic API.
// A nil config means defaults; a nil logger means silence.
func New(store storage.Store, client *anthropic.Client, config *Config, logger Logger) *Compactor {
	c := configOrDefault(config)
	return NewWithSummarizer(store,
		NewAnthropicSummarizer(client, c.SummarizerModel, c.SummarizerMaxTokens), c, logger)
}

// NewWithSummarizer creates a Compactor with a caller-supplied summarizer.
func NewWithSummarizer(store storage.Store, summarizer Summarizer, config *Config, logger Logger) *Compactor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Compactor{
		store:      store,
		summarizer: summarizer,
		config:     configOrDefault(config),
		logger:     logger,
	}
}

func configOrDefault(config *Config) *Config {
	if config == nil {
		return DefaultConfig()
	}
	config.ApplyDefaults()
	return config
}

// Config returns the compactor's configuration.
func (c *Compactor) Config() *Config { return c.config }

// NeedsCompaction reports whether the session's estimated size has crossed
// the configured threshold.
func (c *Compactor) NeedsCompaction(ctx context.Context, sessionID string) (bool, error) {
	size, err := c.store.EstimateSize(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return size >= c.config.ThresholdBytes, nil
}

// Compact summarizes the older part of the session and replaces it with a
// synthetic marker/summary pair. On any failure before the summary is
// confirmed, the session is left exactly as it was.
func (c *Compactor) Compact(ctx context.Context, sessionID string) (*Result, error) {
	start := time.Now()

	oldSize, err := c.store.EstimateSize(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records, err := c.store.ListRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	n := len(records)
	if n <= c.config.KeepTail {
		return nil, fmt.Errorf("%w: %d records, keep tail is %d", ErrTooFewRecords, n, c.config.KeepTail)
	}

	split := splitPoint(records, c.config.KeepTail)
	c.logger.Debug("compaction split chosen",
		"session_id", sessionID, "records", n, "split", split)

	transcript := FormatRecordsAsText(records[:split])
	if strings.TrimSpace(transcript) == "" {
		return nil, fmt.Errorf("%w: %d tool-only records", ErrNothingToSummarize, split)
	}

	summary, err := c.summarizer.Summarize(ctx, transcript)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(summary) == "" {
		return nil, ErrEmptySummary
	}

	// The summary is confirmed; from here on the session is rewritten.
	now := time.Now().UTC()
	rewritten := make([]*types.Record, 0, n-split+2)
	rewritten = append(rewritten,
		&types.Record{Sequence: 0, Speaker: types.SpeakerUser, Text: CompactionMarker, CreatedAt: now},
		&types.Record{Sequence: 1, Speaker: types.SpeakerAssistant, Text: summary, CreatedAt: now},
	)
	for i, rec := range records[split:] {
		kept := *rec
		kept.Sequence = uint64(2 + i)
		rewritten = append(rewritten, &kept)
	}

	var newEstimate int64
	for _, rec := range rewritten {
		newEstimate += int64(rec.VisibleSize())
	}
	entry := fmt.Sprintf("[%s] compacted %d -> %d records, ~%d -> ~%d bytes\n%s\n---\n",
		now.Format(time.RFC3339), n, len(rewritten), oldSize, newEstimate, summary)
	if err := c.store.AppendSummary(ctx, sessionID, entry); err != nil {
		return nil, err
	}

	if err := c.store.ReplaceRecords(ctx, sessionID, rewritten); err != nil {
		return nil, err
	}

	newSize, err := c.store.EstimateSize(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OldRecords: n,
		NewRecords: len(rewritten),
		OldSize:    oldSize,
		NewSize:    newSize,
		Summary:    summary,
		Duration:   time.Since(start),
	}
	c.logger.Info("compaction complete",
		"session_id", sessionID,
		"old_records", result.OldRecords,
		"new_records", result.NewRecords,
		"old_size", result.OldSize,
		"new_size", result.NewSize,
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// splitPoint picks the index that divides summarized from kept records.
// It starts at max(n-keepTail, 2) and advances to the first user record
// carrying no tool results, so the cut can never separate a tool request
// from its resolving result. If no such record exists it falls back to the
// start index.
func splitPoint(records []*types.Record, keepTail int) int {
	start := len(records) - keepTail
	if start < 2 {
		start = 2
	}
	for i := start; i < len(records); i++ {
		if records[i].Speaker == types.SpeakerUser && len(records[i].ToolResults) == 0 {
			return i
		}
	}
	return start
}
