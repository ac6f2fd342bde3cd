package compaction

import "fmt"

// Default configuration values.
const (
	// DefaultBytesPerToken is the character-per-token heuristic used to
	// turn the token budget into a stored-byte threshold.
	DefaultBytesPerToken = 4

	// DefaultThresholdTokens is the approximate token count at which
	// compaction triggers.
	DefaultThresholdTokens = 80000

	// DefaultKeepTail is how many recent records are always kept verbatim.
	DefaultKeepTail = 10

	DefaultSummarizerModel     = "claude-3-5-haiku-20241022"
	DefaultSummarizerMaxTokens = 4096
)

// Config holds compaction configuration.
type Config struct {
	// ThresholdBytes is the estimated session size that triggers
	// compaction. Default: DefaultThresholdTokens * DefaultBytesPerToken.
	ThresholdBytes int64

	// KeepTail is the minimum number of recent records preserved verbatim.
	// Sessions at or below this count are never compacted.
	// Default: 10
	KeepTail int

	// SummarizerModel is the model used for the summarization call.
	// Using a faster/cheaper model than the main conversation is fine.
	SummarizerModel string

	// SummarizerMaxTokens caps the summarization response length.
	// Default: 4096
	SummarizerMaxTokens int64
}

// DefaultConfig returns a Config with the default values.
func DefaultConfig() *Config {
	return &Config{
		ThresholdBytes:      DefaultThresholdTokens * DefaultBytesPerToken,
		KeepTail:            DefaultKeepTail,
		SummarizerModel:     DefaultSummarizerModel,
		SummarizerMaxTokens: DefaultSummarizerMaxTokens,
	}
}

// ApplyDefaults fills in zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.ThresholdBytes == 0 {
		c.ThresholdBytes = DefaultThresholdTokens * DefaultBytesPerToken
	}
	if c.KeepTail == 0 {
		c.KeepTail = DefaultKeepTail
	}
	if c.SummarizerModel == "" {
		c.SummarizerModel = DefaultSummarizerModel
	}
	if c.SummarizerMaxTokens == 0 {
		c.SummarizerMaxTokens = DefaultSummarizerMaxTokens
	}
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ThresholdBytes <= 0 {
		return fmt.Errorf("%w: threshold_bytes must be positive, got %d", ErrInvalidConfig, c.ThresholdBytes)
	}
	if c.KeepTail < 1 {
		return fmt.Errorf("%w: keep_tail must be at least 1, got %d", ErrInvalidConfig, c.KeepTail)
	}
	if c.SummarizerModel == "" {
		return fmt.Errorf("%w: summarizer_model is required", ErrInvalidConfig)
	}
	if c.SummarizerMaxTokens <= 0 {
		return fmt.Errorf("%w: summarizer_max_tokens must be positive, got %d", ErrInvalidConfig, c.SummarizerMaxTokens)
	}
	return nil
}
