package tcp

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramcache/dramcache/internal/transport"
)

func TestRequestHeader(t *testing.T) {
	var buf bytes.Buffer
	req := request{op: opRead, flags: flagCompressed, handle: "seg-1", offset: 4096, length: 512}
	require.NoError(t, req.writeHeader(&buf))
	assert.Equal(t, requestHeaderLen+len("seg-1"), buf.Len())

	got, err := readRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestReadRequestBadMagic(t *testing.T) {
	frame := make([]byte, requestHeaderLen)
	binary.BigEndian.PutUint32(frame, 0xdeadbeef)

	_, err := readRequest(bytes.NewReader(frame))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestReadRequestTooLarge(t *testing.T) {
	var buf bytes.Buffer
	req := request{op: opWrite, handle: "h", length: 1, payloadLen: MaxChunkSize + 1}
	require.NoError(t, req.writeHeader(&buf))

	_, err := readRequest(&buf)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestResponseHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeStatus(&buf, statusOutOfRange, "too far"))

	resp, err := readResponse(&buf)
	require.NoError(t, err)
	assert.Equal(t, statusOutOfRange, resp.status)

	msg, err := readMessage(&buf, resp)
	require.NoError(t, err)
	assert.Equal(t, "too far", msg)
}

func TestStatusError(t *testing.T) {
	assert.ErrorIs(t, statusError(statusUnknownHandle, "h"), transport.ErrInvalidHandle)
	assert.ErrorIs(t, statusError(statusOutOfRange, ""), transport.ErrOutOfRange)
	assert.ErrorIs(t, statusError(statusDenied, "h"), ErrAccessDenied)
	assert.ErrorIs(t, statusError(statusInternal, "boom"), ErrRemote)
	assert.ErrorIs(t, statusError(statusBadRequest, ""), ErrRemote)
}

func TestCompressRoundTrip(t *testing.T) {
	src := bytes.Repeat([]byte("abcd"), 4096)

	out, ok := compress(src)
	require.True(t, ok)
	assert.Less(t, len(out), len(src))

	dst := make([]byte, len(src))
	require.NoError(t, decompressInto(dst, out))
	assert.Equal(t, src, dst)

	short := make([]byte, len(src)-1)
	assert.Error(t, decompressInto(short, out))
}

func TestCompressIncompressible(t *testing.T) {
	_, ok := compress([]byte{0x01})
	assert.False(t, ok)
}
