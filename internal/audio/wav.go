// Package audio parses WAV headers so completed jobs can report the
// exact audio duration instead of a size-based estimate.
package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

// headerSize is the canonical PCM WAV header length. Files written by
// common encoders place the data chunk immediately after the fmt chunk,
// which is the only layout parsed here.
const headerSize = 44

// WAVHeader represents the header structure of a canonical PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// ParseWAVHeader decodes and validates the first 44 bytes of a WAV file
func ParseWAVHeader(head []byte) (*WAVHeader, error) {
	if len(head) < headerSize {
		return nil, fmt.Errorf("WAV header too short: need at least %d bytes, got %d", headerSize, len(head))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(head), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(header.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(header.Subchunk1ID[:]) != "fmt " {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(header.Subchunk2ID[:]) != "data" {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if header.ByteRate == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero byte rate")
	}

	return &header, nil
}

// Duration returns the length of the audio data in seconds
func (h *WAVHeader) Duration() float64 {
	return float64(h.Subchunk2Size) / float64(h.ByteRate)
}

// FileDuration reads just the header of a WAV file and returns its
// duration in seconds. When the header advertises a zero-length data
// chunk (some encoders patch it after the fact and some never do), the
// file size is used instead.
func FileDuration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open WAV file: %w", err)
	}
	defer f.Close()

	head := make([]byte, headerSize)
	if _, err := f.Read(head); err != nil {
		return 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	header, err := ParseWAVHeader(head)
	if err != nil {
		return 0, err
	}

	if header.Subchunk2Size == 0 {
		info, err := f.Stat()
		if err != nil {
			return 0, fmt.Errorf("failed to stat WAV file: %w", err)
		}
		if info.Size() > headerSize {
			return float64(info.Size()-headerSize) / float64(header.ByteRate), nil
		}
		return 0, fmt.Errorf("no audio data found")
	}

	return header.Duration(), nil
}
