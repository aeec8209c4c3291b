package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// WAVHeaderSize is the size of a canonical PCM WAV header.
const WAVHeaderSize = 44

// ErrNotWAV is returned when a header is not a PCM RIFF/WAVE header.
var ErrNotWAV = errors.New("not a PCM WAV file")

// Format describes raw PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz, 16-bit, mono linear PCM.
var DefaultFormat = Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}

// BytesPerSecond returns the PCM data rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// DurationMs returns the play time of n bytes of PCM in milliseconds.
func (f Format) DurationMs(n int64) int64 {
	bps := int64(f.BytesPerSecond())
	if bps == 0 {
		return 0
	}
	return n * 1000 / bps
}

// ReadWAVHeader reads and validates a 44-byte PCM WAV header.
func ReadWAVHeader(r io.Reader) (Format, error) {
	header := make([]byte, WAVHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Format{}, fmt.Errorf("read wav header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Format{}, ErrNotWAV
	}
	if audioFormat := binary.LittleEndian.Uint16(header[20:22]); audioFormat != 1 {
		return Format{}, fmt.Errorf("%w: format %d", ErrNotWAV, audioFormat)
	}
	return Format{
		Channels:      int(binary.LittleEndian.Uint16(header[22:24])),
		SampleRate:    int(binary.LittleEndian.Uint32(header[24:28])),
		BitsPerSample: int(binary.LittleEndian.Uint16(header[34:36])),
	}, nil
}

// WriteWAVHeader writes a canonical PCM WAV header for dataLen bytes.
func WriteWAVHeader(w io.Writer, f Format, dataLen uint32) error {
	header := make([]byte, WAVHeaderSize)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], 36+dataLen)
	copy(header[8:12], "WAVE")
	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1)
	binary.LittleEndian.PutUint16(header[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(header[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(header[28:32], uint32(f.BytesPerSecond()))
	binary.LittleEndian.PutUint16(header[32:34], uint16(f.Channels*f.BitsPerSample/8))
	binary.LittleEndian.PutUint16(header[34:36], uint16(f.BitsPerSample))
	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], dataLen)
	_, err := w.Write(header)
	return err
}
