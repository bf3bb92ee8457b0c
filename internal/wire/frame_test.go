package wire

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("echoString(x*1000)")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 100)))

	_, err := ReadFrame(&buf, 99)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoderFeedsInArbitraryChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 1000)
	var encoded []byte
	encoded = AppendFrame(encoded, payload)
	encoded = AppendFrame(encoded, []byte("ping"))

	rng := rand.New(rand.NewSource(1))
	d := NewDecoder(0)
	var frames [][]byte
	for len(encoded) > 0 {
		n := 1 + rng.Intn(7)
		if n > len(encoded) {
			n = len(encoded)
		}
		chunk := encoded[:n]
		for len(chunk) > 0 {
			consumed, frame, err := d.Feed(chunk)
			require.NoError(t, err)
			chunk = chunk[consumed:]
			if frame != nil {
				frames = append(frames, frame)
			}
			if consumed == 0 {
				break
			}
		}
		encoded = encoded[n:]
	}

	require.Len(t, frames, 2)
	assert.Equal(t, payload, frames[0])
	assert.Equal(t, []byte("ping"), frames[1])
}

func TestDecoderRejectsOversizeFrame(t *testing.T) {
	var encoded []byte
	encoded = AppendFrame(encoded, make([]byte, 32))

	d := NewDecoder(16)
	_, _, err := d.Feed(encoded)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

// A frame of exactly the configured maximum passes; one byte over fails.
func TestDecoderMaxSizeBoundary(t *testing.T) {
	const max = 16

	d := NewDecoder(max)
	var encoded []byte
	encoded = AppendFrame(encoded, make([]byte, max))
	consumed, frame, err := d.Feed(encoded)
	require.NoError(t, err)
	require.Equal(t, len(encoded), consumed)
	require.Len(t, frame, max)

	d = NewDecoder(max)
	encoded = AppendFrame(nil, make([]byte, max+1))
	_, _, err = d.Feed(encoded)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}
