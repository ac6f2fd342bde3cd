// Package repair restores the conversation invariants of a loaded session.
// It runs once per session load, before any new record is appended, and is
// idempotent: running it on its own output changes nothing.
package repair

import (
	"github.com/mkarimi23/agentfs/types"
)

// Report counts what the repair pass did, for observability. Repair never
// fails hard; a session reduced to zero records is a valid fresh session.
type Report struct {
	// Removed is the number of records deleted by the orphan pass.
	Removed int

	// Merged is the number of records folded into a predecessor by the
	// consecutive-speaker pass.
	Merged int

	// Unmergeable counts adjacent same-speaker pairs that could not be
	// merged because one side carries structured payloads instead of
	// plain text. They are left in place.
	Unmergeable int
}

// Changed reports whether repair altered the session.
func (r Report) Changed() bool {
	return r.Removed > 0 || r.Merged > 0
}

// Run applies both repair passes and returns the surviving records in
// order. Sequence numbers are preserved, so gaps appear where records were
// dropped; only order matters after load.
func Run(records []*types.Record) ([]*types.Record, Report) {
	var report Report
	kept := removeOrphans(records, &report)
	kept = mergeConsecutive(kept, &report)
	return kept, report
}

// removeOrphans walks the records in order. An assistant record carrying
// tool requests must be immediately followed by a user record whose tool
// results answer exactly the same set of request ids. Anything else is an
// unresumable obligation: the assistant record is dropped, and a paired
// user record that answers the wrong set is dropped with it. A user record
// whose tool results were never requested is dropped too.
func removeOrphans(records []*types.Record, report *Report) []*types.Record {
	kept := make([]*types.Record, 0, len(records))
	i := 0
	for i < len(records) {
		rec := records[i]

		if rec.Speaker == types.SpeakerAssistant && len(rec.ToolRequests) > 0 {
			if i+1 < len(records) {
				next := records[i+1]
				if next.Speaker == types.SpeakerUser && len(next.ToolResults) > 0 {
					if sameIDSet(rec.RequestIDs(), next.ResultIDs()) {
						kept = append(kept, rec, next)
					} else {
						report.Removed += 2
					}
					i += 2
					continue
				}
			}
			// No follower, or the follower is not a results record.
			report.Removed++
			i++
			continue
		}

		if rec.Speaker == types.SpeakerUser && len(rec.ToolResults) > 0 {
			// Results that no surviving assistant record requested.
			report.Removed++
			i++
			continue
		}

		kept = append(kept, rec)
		i++
	}
	return kept
}

// mergeConsecutive folds runs of same-speaker plain-text records into the
// first of the run, joining texts with a line break. Same-speaker
// adjacencies involving structured payloads are counted and left alone:
// guessing a merge there could detach a tool request from its result.
func mergeConsecutive(records []*types.Record, report *Report) []*types.Record {
	kept := make([]*types.Record, 0, len(records))
	for _, rec := range records {
		if len(kept) > 0 {
			prev := kept[len(kept)-1]
			if prev.Speaker == rec.Speaker {
				if prev.IsPlainText() && rec.IsPlainText() {
					// Copy before mutating so the caller's input slice
					// stays untouched.
					merged := *prev
					merged.Text = prev.Text + "\n" + rec.Text
					kept[len(kept)-1] = &merged
					report.Merged++
					continue
				}
				report.Unmergeable++
			}
		}
		kept = append(kept, rec)
	}
	return kept
}

func sameIDSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if !b[id] {
			return false
		}
	}
	return true
}
