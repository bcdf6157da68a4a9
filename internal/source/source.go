// Package source acquires recorded call audio for analysis. It is the
// collaborator boundary that turns an opaque asset reference into raw bytes
// plus a playback duration; everything downstream works on [Stream] values
// and never touches the filesystem.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrSourceUnavailable indicates the source audio could not be located or
// read at all. It is fatal to starting a session: no segment is emitted.
var ErrSourceUnavailable = errors.New("source: unavailable")

// Stream is an acquired audio recording ready for segmentation.
type Stream struct {
	// Data is the raw PCM payload (WAV data chunk contents).
	Data []byte

	// Duration is the playback length of Data.
	Duration time.Duration
}

// Provider locates and opens source audio assets.
type Provider interface {
	// Acquire opens the asset identified by ref and returns its audio stream.
	// A missing or unreadable asset fails with [ErrSourceUnavailable].
	Acquire(ctx context.Context, ref string) (Stream, error)
}

// FileProvider reads WAV recordings from the local filesystem. The asset
// reference is interpreted as a path relative to Root (or absolute when Root
// is empty).
type FileProvider struct {
	// Root is prepended to relative asset references.
	Root string
}

// Acquire implements [Provider]. It reads and parses the WAV file at ref.
func (p *FileProvider) Acquire(ctx context.Context, ref string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return Stream{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	path := ref
	if p.Root != "" {
		path = p.Root + string(os.PathSeparator) + ref
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Stream{}, fmt.Errorf("%w: read %q: %v", ErrSourceUnavailable, ref, err)
	}

	data, dur, err := decodeWAV(raw)
	if err != nil {
		return Stream{}, fmt.Errorf("%w: decode %q: %v", ErrSourceUnavailable, ref, err)
	}
	if len(data) == 0 || dur <= 0 {
		return Stream{}, fmt.Errorf("%w: %q contains no audio", ErrSourceUnavailable, ref)
	}

	return Stream{Data: data, Duration: dur}, nil
}
