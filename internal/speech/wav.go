package speech

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

const (
	silenceSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
)

// writeSilence writes a mono 16-bit PCM wav of the given duration. Empty
// text still yields a playable file so the client notification fires.
func writeSilence(path string, d time.Duration) error {
	samples := int(d.Seconds() * silenceSampleRate)
	dataSize := samples * pcmChannels * pcmBitDepth / 8

	header, err := wavHeader(dataSize, silenceSampleRate, pcmChannels, pcmBitDepth)
	if err != nil {
		return fmt.Errorf("build wav header: %w", err)
	}

	out := make([]byte, 0, len(header)+dataSize)
	out = append(out, header...)
	out = append(out, make([]byte, dataSize)...)
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("write silence: %w", err)
	}
	return nil
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) ([]byte, error) {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8

	buf := bytes.NewBuffer(make([]byte, 0, 44))
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36 + dataSize),
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1),
		uint16(channels),
		uint32(sampleRate),
		uint32(byteRate),
		uint16(blockAlign),
		uint16(bitDepth),
		[4]byte{'d', 'a', 't', 'a'},
		uint32(dataSize),
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
