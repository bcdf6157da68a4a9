// Package aggregate merges a session's resolved segment results into the
// single immutable final record. The merge is deterministic: whatever order
// operations completed in, the output is derived from the results sorted by
// segment index.
package aggregate

import (
	"sort"
	"strings"

	"github.com/callwarden/callwarden/internal/dispatch"
)

// Window is the transcription slot for one segment in the final record.
// Failed windows keep their position so that a segment whose classification
// was unavailable remains distinguishable from one classified as benign.
type Window struct {
	// Index is the segment index this window covers.
	Index int `json:"index"`

	// Transcription is the recognised speech for this segment; empty when
	// the segment failed or produced no speech.
	Transcription string `json:"transcription"`

	// Failed reports that this segment's classification was unavailable.
	Failed bool `json:"failed"`

	// FailureReason is a short human-readable reason when Failed.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Result is the final per-session record, created once after every dispatch
// operation has resolved and never mutated afterwards.
type Result struct {
	// SessionID identifies the analysis run.
	SessionID string `json:"session_id"`

	// Probability is the maximum probability across all successful segments,
	// 0 when no segment succeeded.
	Probability float64 `json:"probability"`

	// IsScam reports whether Probability met the configured threshold.
	IsScam bool `json:"is_scam"`

	// Keywords is the deduplicated union of all successful segments'
	// keywords, sorted for determinism.
	Keywords []string `json:"keywords"`

	// Transcription is the successful segments' transcriptions joined by a
	// single space in ascending segment-index order.
	Transcription string `json:"transcription"`

	// Windows lists every segment's transcription slot in index order,
	// including failure placeholders.
	Windows []Window `json:"windows"`

	// Degraded reports that at least one window failed, so Probability may
	// understate the true risk.
	Degraded bool `json:"degraded"`
}

// Merge folds results into the final session record. Results may be passed
// in any order; the output is always ordered by segment index. Failure
// markers contribute a placeholder window and the Degraded flag but never a
// probability, keyword, or transcription.
func Merge(sessionID string, results []dispatch.SegmentResult, threshold float64) Result {
	sorted := make([]dispatch.SegmentResult, len(results))
	copy(sorted, results)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	out := Result{
		SessionID: sessionID,
		Keywords:  []string{},
		Windows:   make([]Window, 0, len(sorted)),
	}

	seen := make(map[string]struct{})
	var transcripts []string
	for _, r := range sorted {
		if r.Failed() {
			out.Windows = append(out.Windows, Window{
				Index:         r.Index,
				Failed:        true,
				FailureReason: r.Err.Error(),
			})
			out.Degraded = true
			continue
		}

		if r.Probability > out.Probability {
			out.Probability = r.Probability
		}
		for _, kw := range r.Keywords {
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			out.Keywords = append(out.Keywords, kw)
		}
		if r.Transcription != "" {
			transcripts = append(transcripts, r.Transcription)
		}
		out.Windows = append(out.Windows, Window{
			Index:         r.Index,
			Transcription: r.Transcription,
		})
	}

	sort.Strings(out.Keywords)
	out.Transcription = strings.Join(transcripts, " ")
	out.IsScam = out.Probability >= threshold
	return out
}
