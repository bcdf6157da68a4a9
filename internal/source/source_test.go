package source

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// buildWAV assembles a minimal RIFF/WAVE file with the given byte rate and
// PCM payload.
func buildWAV(t *testing.T, byteRate uint32, pcm []byte) []byte {
	t.Helper()
	var fmtChunk [16]byte
	binary.LittleEndian.PutUint16(fmtChunk[0:2], 1) // PCM
	binary.LittleEndian.PutUint16(fmtChunk[2:4], 1) // mono
	binary.LittleEndian.PutUint32(fmtChunk[4:8], byteRate)
	binary.LittleEndian.PutUint32(fmtChunk[8:12], byteRate)
	binary.LittleEndian.PutUint16(fmtChunk[12:14], 1)
	binary.LittleEndian.PutUint16(fmtChunk[14:16], 8)

	body := []byte("WAVE")
	body = append(body, []byte("fmt ")...)
	body = binary.LittleEndian.AppendUint32(body, 16)
	body = append(body, fmtChunk[:]...)
	body = append(body, []byte("data")...)
	body = binary.LittleEndian.AppendUint32(body, uint32(len(pcm)))
	body = append(body, pcm...)
	if len(pcm)%2 == 1 {
		body = append(body, 0)
	}

	out := []byte("RIFF")
	out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
	out = append(out, body...)
	return out
}

func TestFileProvider_Acquire(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pcm := make([]byte, 16000*25) // 25 seconds at 16 kB/s
	wav := buildWAV(t, 16000, pcm)
	if err := os.WriteFile(filepath.Join(dir, "call.wav"), wav, 0o600); err != nil {
		t.Fatal(err)
	}

	p := &FileProvider{Root: dir}
	stream, err := p.Acquire(context.Background(), "call.wav")
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if stream.Duration != 25*time.Second {
		t.Errorf("Duration = %v, want 25s", stream.Duration)
	}
	if len(stream.Data) != len(pcm) {
		t.Errorf("Data = %d bytes, want %d", len(stream.Data), len(pcm))
	}
}

func TestFileProvider_MissingFile(t *testing.T) {
	t.Parallel()
	p := &FileProvider{Root: t.TempDir()}
	_, err := p.Acquire(context.Background(), "nope.wav")
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "empty", raw: nil},
		{name: "not riff", raw: []byte("OGGSxxxxxxxxxxxxxxxx")},
		{name: "header only", raw: []byte("RIFF\x00\x00\x00\x00WAVE")},
		{name: "data without fmt", raw: func() []byte {
			out := []byte("RIFF\x10\x00\x00\x00WAVE")
			out = append(out, []byte("data")...)
			out = binary.LittleEndian.AppendUint32(out, 2)
			return append(out, 0xAA, 0xBB)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := decodeWAV(tt.raw); err == nil {
				t.Error("expected decode error, got nil")
			}
		})
	}
}

func TestDecodeWAV_ZeroByteRate(t *testing.T) {
	t.Parallel()
	wav := buildWAV(t, 0, []byte{1, 2, 3, 4})
	if _, _, err := decodeWAV(wav); err == nil {
		t.Error("expected error for zero byte rate, got nil")
	}
}
