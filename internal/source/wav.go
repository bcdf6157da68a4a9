package source

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// decodeWAV parses a RIFF/WAVE file and returns the raw PCM payload of the
// data chunk along with its playback duration computed from the fmt chunk's
// byte rate. Only linear PCM (format tag 1) is supported.
func decodeWAV(raw []byte) ([]byte, time.Duration, error) {
	if len(raw) < 12 || string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		return nil, 0, errors.New("not a RIFF/WAVE file")
	}

	var (
		byteRate uint32
		data     []byte
		haveFmt  bool
	)

	// Walk the chunk list. Chunks are 2-byte aligned.
	rest := raw[12:]
	for len(rest) >= 8 {
		id := string(rest[0:4])
		size := binary.LittleEndian.Uint32(rest[4:8])
		body := rest[8:]
		if uint32(len(body)) < size {
			return nil, 0, fmt.Errorf("chunk %q truncated: declared %d, have %d bytes", id, size, len(body))
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			if tag := binary.LittleEndian.Uint16(body[0:2]); tag != 1 {
				return nil, 0, fmt.Errorf("unsupported format tag %d (want PCM)", tag)
			}
			byteRate = binary.LittleEndian.Uint32(body[8:12])
			haveFmt = true
		case "data":
			data = body[:size]
		}

		advance := size
		if advance%2 == 1 {
			advance++ // chunk padding
		}
		if uint32(len(body)) < advance {
			break
		}
		rest = body[advance:]
	}

	if !haveFmt {
		return nil, 0, errors.New("missing fmt chunk")
	}
	if data == nil {
		return nil, 0, errors.New("missing data chunk")
	}
	if byteRate == 0 {
		return nil, 0, errors.New("fmt chunk declares zero byte rate")
	}

	dur := time.Duration(len(data)) * time.Second / time.Duration(byteRate)
	return data, dur, nil
}
