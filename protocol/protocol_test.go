package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawRequest(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte{1, 0, 0, 0, 2, 0, 0, 0}
	require.NoError(t, WriteRequest(&buf, FramingRaw, 1, payload))

	assert.Equal(t, IDSize+len(payload), buf.Len())

	scratch := make([]byte, IDSize)
	id, err := ReadID(&buf, scratch)
	require.NoError(t, err)
	assert.Equal(t, ID(1), id)

	body, err := ReadPayload(&buf, len(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestRawRequestEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, FramingRaw, 0, nil))
	assert.Equal(t, make([]byte, IDSize), buf.Bytes())
}

func TestLengthPrefixedRequest(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, FramingLengthPrefixed, 0x0102, []byte("hello")))

	scratch := make([]byte, IDSize)
	id, err := ReadID(&buf, scratch)
	require.NoError(t, err)
	assert.Equal(t, ID(0x0102), id)

	n, err := ReadLength(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), n)

	body, err := ReadPayload(&buf, int(n))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestReadIDShort(t *testing.T) {
	scratch := make([]byte, IDSize)
	_, err := ReadID(bytes.NewReader([]byte{1, 2, 3}), scratch)
	assert.Error(t, err)
}

func TestRawResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, FramingRaw, StatusOK, []byte{Placeholder}))
	assert.Equal(t, []byte{Placeholder}, buf.Bytes())

	body, err := ReadResponse(&buf, FramingRaw, 1, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, []byte{Placeholder}, body)

	assert.ErrorIs(t, WriteResponse(&buf, FramingRaw, StatusUnknownProcedure, nil), ErrBadStatus)
}

func TestLengthPrefixedResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, FramingLengthPrefixed, StatusOK, []byte{3, 0, 0, 0}))

	body, err := ReadResponse(&buf, FramingLengthPrefixed, 4, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 0, 0, 0}, body)
}

func TestLengthPrefixedStatus(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, FramingLengthPrefixed, StatusUnknownProcedure, nil))
	require.NoError(t, WriteResponse(&buf, FramingLengthPrefixed, StatusOK, []byte{9}))

	_, err := ReadResponse(&buf, FramingLengthPrefixed, 1, DefaultMaxPayload)
	assert.ErrorIs(t, err, ErrUnknownProcedure)

	// The stream is still in sync after an error status.
	body, err := ReadResponse(&buf, FramingLengthPrefixed, 1, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, body)
}

func TestLengthPrefixedSizeMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, FramingLengthPrefixed, StatusOK, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	require.NoError(t, WriteResponse(&buf, FramingLengthPrefixed, StatusOK, []byte{1}))

	_, err := ReadResponse(&buf, FramingLengthPrefixed, 4, DefaultMaxPayload)
	assert.ErrorIs(t, err, ErrSizeMismatch)

	body, err := ReadResponse(&buf, FramingLengthPrefixed, 1, DefaultMaxPayload)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, body)
}

func TestLengthPrefixedTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, FramingLengthPrefixed, StatusOK, make([]byte, 64)))

	_, err := ReadResponse(&buf, FramingLengthPrefixed, 64, 16)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestUnknownFraming(t *testing.T) {
	_, err := EncodeRequest(Framing(7), 1, nil)
	assert.ErrorIs(t, err, ErrUnknownFraming)
	assert.False(t, Framing(7).Valid())
	assert.Equal(t, "length-prefixed", FramingLengthPrefixed.String())
}

func TestStatusErr(t *testing.T) {
	assert.NoError(t, StatusOK.Err())
	assert.ErrorIs(t, StatusSizeMismatch.Err(), ErrSizeMismatch)
	assert.ErrorIs(t, Status(42).Err(), ErrBadStatus)
}
