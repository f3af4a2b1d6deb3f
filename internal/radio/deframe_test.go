package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeframerReassemblesSplitFrame(t *testing.T) {
	c := NewCodec()
	fr, err := c.EncodeFrame(&Envelope{Variant: VariantConfigComplete, ConfigCompleteID: 9})
	require.NoError(t, err)

	d := NewDeframer()

	// Byte-at-a-time delivery, the worst a transport can do.
	for i := 0; i < len(fr)-1; i++ {
		frames, err := d.Push(fr[i : i+1])
		require.NoError(t, err)
		assert.Empty(t, frames)
	}
	frames, err := d.Push(fr[len(fr)-1:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, fr, frames[0])
	assert.Zero(t, d.Pending())
}

func TestDeframerSplitsPackedChunk(t *testing.T) {
	c := NewCodec()
	a, err := c.EncodeFrame(&Envelope{Variant: VariantConfigComplete, ConfigCompleteID: 1})
	require.NoError(t, err)
	b, err := c.EncodeFrame(&Envelope{Variant: VariantRebooted, Rebooted: true})
	require.NoError(t, err)

	d := NewDeframer()
	chunk := append(append([]byte{}, a...), b...)
	// Trailing partial header stays buffered.
	chunk = append(chunk, 0x00, 0x00)

	frames, err := d.Push(chunk)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
	assert.Equal(t, 2, d.Pending())
}

func TestDeframerRejectsImplausibleHeader(t *testing.T) {
	d := NewDeframer()

	_, err := d.Push([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
	// Buffer was dropped; the deframer accepts clean frames again.
	assert.Zero(t, d.Pending())

	c := NewCodec()
	fr, err := c.EncodeFrame(&Envelope{Variant: VariantConfigComplete, ConfigCompleteID: 2})
	require.NoError(t, err)
	frames, err := d.Push(fr)
	require.NoError(t, err)
	require.Len(t, frames, 1)
}

func TestDeframerReset(t *testing.T) {
	d := NewDeframer()
	_, err := d.Push([]byte{0x00, 0x00})
	require.NoError(t, err)
	assert.Equal(t, 2, d.Pending())
	d.Reset()
	assert.Zero(t, d.Pending())
}
