// Package classifier defines the boundary to the external scam classification
// service. Callwarden never inspects segment audio itself: it hands each
// sealed segment to a [Classifier] and consumes the scored response.
package classifier

import (
	"context"
	"errors"
)

// ErrTransport indicates the classification service could not be reached or
// returned an invalid response. It is a per-segment failure: the segment is
// recorded as unavailable, never as probability zero.
var ErrTransport = errors.New("classifier: transport failure")

// Request carries one sealed segment to the classification service.
type Request struct {
	// SessionID identifies the analysis run the segment belongs to.
	SessionID string `json:"session_id"`

	// SegmentIndex is the 0-based position of the segment in the recording.
	SegmentIndex int `json:"segment_index"`

	// SourceID identifies the audio source (e.g., the originating number).
	SourceID string `json:"source_id"`

	// SealedPayload is the base64 envelope produced by the envelope package.
	SealedPayload string `json:"sealed_payload"`
}

// Response is the classification outcome for one segment. A transport error
// or timeout never yields a Response; absence of data is reported as an
// error, not as a zero-probability Response.
type Response struct {
	// Probability is the scam likelihood in [0, 1].
	Probability float64 `json:"probability"`

	// Keywords are scam-indicative terms extracted from the segment.
	Keywords []string `json:"keywords"`

	// Transcription is the recognised speech, possibly empty.
	Transcription string `json:"transcription"`
}

// Classifier scores a single sealed segment. Implementations must respect
// ctx cancellation and deadlines; Classify is called concurrently for
// different segments of the same session.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Response, error)
}
