// Package sdrf implements the spectrum data reference format: the
// compact binary frame carrying FFT magnitude bins from a software
// defined radio publisher to its consumers over UDP.
//
// Wire layout, little-endian:
//
//	offset 0   uint32   magic "SDRF" (0x53445246)
//	offset 4   uint32   sequence number
//	offset 8   float64  center frequency, Hz
//	offset 16  float64  sample rate, Hz
//	offset 24  float64  reserved, zero on encode, ignored on decode
//	offset 32  uint32   bin count (max 1024)
//	offset 36  float32  bins, bin count entries
package sdrf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/c360/streambroker/errors"
)

const (
	// Magic identifies an SDRF frame ("SDRF" read as a little-endian
	// uint32).
	Magic = 0x53445246

	// HeaderSize is the fixed prefix before the bin payload.
	HeaderSize = 36

	// MaxBins bounds the payload so one frame fits comfortably in a
	// single UDP datagram.
	MaxBins = 1024
)

// Frame is one spectrum snapshot.
type Frame struct {
	Sequence   uint32
	CenterFreq float64
	SampleRate float64
	Bins       []float32
}

// Size returns the encoded length of the frame.
func (f *Frame) Size() int {
	return HeaderSize + 4*len(f.Bins)
}

// Marshal encodes the frame into the wire layout. A frame carries at
// least one bin; an empty spectrum has no valid encoding.
func Marshal(f *Frame) ([]byte, error) {
	if len(f.Bins) == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("frame has no bins"),
			"sdrf", "Marshal", "encode frame")
	}
	if len(f.Bins) > MaxBins {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%d bins exceeds maximum %d", len(f.Bins), MaxBins),
			"sdrf", "Marshal", "encode frame")
	}

	buf := make([]byte, f.Size())
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], f.Sequence)
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(f.CenterFreq))
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(f.SampleRate))
	binary.LittleEndian.PutUint64(buf[24:32], 0)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(f.Bins)))

	for i, bin := range f.Bins {
		binary.LittleEndian.PutUint32(buf[HeaderSize+4*i:], math.Float32bits(bin))
	}

	return buf, nil
}

// Unmarshal decodes a frame. The header and the declared bin payload
// must be fully present; trailing bytes beyond the payload are
// ignored. Malformed packets are classified so receivers can count
// and drop them without tearing the read loop down.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, malformed("frame truncated: %d bytes, need at least %d", len(data), HeaderSize)
	}

	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != Magic {
		return nil, malformed("bad magic 0x%08x", magic)
	}

	binCount := binary.LittleEndian.Uint32(data[32:36])
	if binCount == 0 {
		return nil, malformed("bin count is zero")
	}
	if binCount > MaxBins {
		return nil, malformed("bin count %d exceeds maximum %d", binCount, MaxBins)
	}

	expected := HeaderSize + 4*int(binCount)
	if len(data) < expected {
		return nil, malformed("length %d is short of bin count %d (want %d)",
			len(data), binCount, expected)
	}

	f := &Frame{
		Sequence:   binary.LittleEndian.Uint32(data[4:8]),
		CenterFreq: math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])),
		SampleRate: math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])),
		Bins:       make([]float32, binCount),
	}
	for i := range f.Bins {
		f.Bins[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[HeaderSize+4*i:]))
	}

	return f, nil
}

func malformed(format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrMalformedPacket, fmt.Sprintf(format, args...)),
		"sdrf", "Unmarshal", "decode frame")
}
