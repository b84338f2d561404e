package sdrf

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streambroker/errors"
)

func TestMarshalLayout(t *testing.T) {
	data, err := Marshal(&Frame{
		Sequence:   42,
		CenterFreq: 101.5e6,
		SampleRate: 2.4e6,
		Bins:       []float32{-80.5, -79.25, -90},
	})
	require.NoError(t, err)
	require.Len(t, data, HeaderSize+12)

	assert.Equal(t, []byte("FRDS"), data[0:4]) // "SDRF" little-endian
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(data[4:8]))
	assert.Equal(t, 101.5e6, math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])))
	assert.Equal(t, 2.4e6, math.Float64frombits(binary.LittleEndian.Uint64(data[16:24])))
	assert.Equal(t, uint64(0), binary.LittleEndian.Uint64(data[24:32]))
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(data[32:36]))
	assert.Equal(t, float32(-80.5), math.Float32frombits(binary.LittleEndian.Uint32(data[36:40])))
}

func TestRoundtrip(t *testing.T) {
	bins := make([]float32, 512)
	for i := range bins {
		bins[i] = -100 + float32(i)*0.1
	}

	original := &Frame{
		Sequence:   7,
		CenterFreq: 433.92e6,
		SampleRate: 1.024e6,
		Bins:       bins,
	}

	data, err := Marshal(original)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, original.Sequence, decoded.Sequence)
	assert.Equal(t, original.CenterFreq, decoded.CenterFreq)
	assert.Equal(t, original.SampleRate, decoded.SampleRate)
	assert.Equal(t, original.Bins, decoded.Bins)
}

func TestMarshalRejectsEmptyFrame(t *testing.T) {
	_, err := Marshal(&Frame{Sequence: 1, CenterFreq: 100e6, SampleRate: 1e6})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnmarshalRejectsZeroBinCount(t *testing.T) {
	// A bin count of zero means an empty spectrum: such a frame must
	// not count as valid data, or a dead producer emitting empty
	// frames would look alive.
	data := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint32(data[4:8], 7)

	_, err := Unmarshal(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
}

func TestUnmarshalIgnoresTrailingBytes(t *testing.T) {
	valid, err := Marshal(&Frame{Sequence: 3, Bins: []float32{1, 2, 3}})
	require.NoError(t, err)

	padded := append(append([]byte(nil), valid...), 0xde, 0xad)

	decoded, err := Unmarshal(padded)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), decoded.Sequence)
	assert.Equal(t, []float32{1, 2, 3}, decoded.Bins)
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	_, err := Marshal(&Frame{Bins: make([]float32, MaxBins+1)})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	valid, err := Marshal(&Frame{Sequence: 1, Bins: []float32{1, 2}})
	require.NoError(t, err)

	truncatedHeader := valid[:HeaderSize-1]

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 'X'

	overflowCount := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(overflowCount[32:36], MaxBins+1)

	shortPayload := valid[:len(valid)-4]

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated header", truncatedHeader},
		{"bad magic", badMagic},
		{"bin count overflow", overflowCount},
		{"payload shorter than bin count", shortPayload},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrMalformedPacket))
		})
	}
}
