package compaction

import (
	"strings"

	"github.com/mkarimi23/agentfs/types"
)

// SummarizationSystemPrompt instructs the model to produce a factual
// summary that can stand in for the summarized prefix of the conversation.
const SummarizationSystemPrompt = `You are a conversation summarizer for an AI agent system. Your task is to produce a factual summary of the conversation that will replace the original messages.

Cover, in order:

1. Tasks worked on - what the user asked for and why
2. Decisions and outcomes - what was decided, what succeeded, what failed
3. Files, paths and commands - every file path, command, or identifier that was referenced
4. Current state of open work - what is in progress and what the immediate next step is

Guidelines:

- Be concise but complete; preserve everything needed to continue the conversation
- Include specific details (file names, commands, error messages) verbatim
- Keep events in chronological order
- Do not add information that was not in the conversation`

// BuildSummarizationUserPrompt creates the single user turn for the
// summarization request: the instruction followed by the transcript.
func BuildSummarizationUserPrompt(transcript string) string {
	return `Summarize the following conversation according to your instructions.

<conversation>
` + transcript + `
</conversation>

Produce the factual summary now.`
}

// FormatRecordsAsText flattens records into a speaker-tagged transcript.
// Records without text (pure tool traffic) contribute nothing.
func FormatRecordsAsText(records []*types.Record) string {
	var b strings.Builder
	for _, rec := range records {
		if rec.Text == "" {
			continue
		}
		b.WriteString(speakerLabel(rec.Speaker))
		b.WriteString(": ")
		b.WriteString(rec.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func speakerLabel(s types.Speaker) string {
	if s == types.SpeakerAssistant {
		return "Assistant"
	}
	return "User"
}
