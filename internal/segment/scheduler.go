// Package segment cuts an acquired audio stream into consecutive
// fixed-duration segments and releases them at a cadence that mirrors
// real-time playback.
package segment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/callwarden/callwarden/internal/source"
)

// ErrInvalidSegmentLength is returned by [Scheduler.Run] when the configured
// segment length is not positive.
var ErrInvalidSegmentLength = errors.New("segment: segment length must be positive")

// Segment is one fixed-duration slice of the source audio. The final segment
// of a stream may be shorter than the configured length; that is expected,
// not an error.
type Segment struct {
	// Index is the 0-based position of the segment. Indices are strictly
	// increasing and gap-free within one run.
	Index int

	// Data is the slice of source bytes covering this segment. It aliases
	// the source buffer; consumers must not mutate it.
	Data []byte

	// Duration is the playback length this segment covers.
	Duration time.Duration
}

// Scheduler partitions a source stream and paces segment emission.
type Scheduler struct {
	// SegmentLength is the fixed duration L of each cut.
	SegmentLength time.Duration

	// PacingFactor scales the delay between consecutive cuts: after emitting
	// segment i (except the last) the scheduler sleeps L × PacingFactor.
	// 1.0 approximates live playback; 0 disables pacing entirely.
	PacingFactor float64
}

// Count returns the number of segments a stream of duration d produces,
// ceil(d / L).
func (s *Scheduler) Count(d time.Duration) int {
	if d <= 0 || s.SegmentLength <= 0 {
		return 0
	}
	return int((d + s.SegmentLength - 1) / s.SegmentLength)
}

// Run emits every segment of src in strict index order, calling emit once
// per segment. Segment i covers [i·L, min((i+1)·L, D)). Between cuts the
// scheduler sleeps the paced delay; emit must hand the segment off without
// blocking so that in-flight classification never stalls the next cut.
//
// Run returns once the final segment has been emitted — it does not wait for
// classification results. Cancelling ctx stops further cuts; already emitted
// segments are unaffected.
func (s *Scheduler) Run(ctx context.Context, src source.Stream, emit func(Segment)) error {
	if s.SegmentLength <= 0 {
		return ErrInvalidSegmentLength
	}
	if len(src.Data) == 0 || src.Duration <= 0 {
		return fmt.Errorf("segment: empty stream (%d bytes, %v)", len(src.Data), src.Duration)
	}

	total := s.Count(src.Duration)
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := i * int(s.SegmentLength)
		end := (i + 1) * int(s.SegmentLength)
		if end > int(src.Duration) {
			end = int(src.Duration)
		}

		emit(Segment{
			Index:    i,
			Data:     src.Data[byteOffset(src, start):byteOffset(src, end)],
			Duration: time.Duration(end - start),
		})

		if i == total-1 {
			break
		}
		if err := s.pace(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pace sleeps the inter-segment delay, waking early on ctx cancellation.
func (s *Scheduler) pace(ctx context.Context) error {
	delay := time.Duration(float64(s.SegmentLength) * s.PacingFactor)
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// byteOffset maps a time offset (in time.Duration units) within the stream
// onto a byte offset, distributing bytes proportionally across the total
// duration.
func byteOffset(src source.Stream, at int) int {
	if at <= 0 {
		return 0
	}
	if at >= int(src.Duration) {
		return len(src.Data)
	}
	return int(int64(len(src.Data)) * int64(at) / int64(src.Duration))
}
