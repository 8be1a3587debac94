package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/dramcache/dramcache/internal/transport"
)

const (
	magic = 0x44524354 // "DRCT"

	requestHeaderLen  = 28
	responseHeaderLen = 12

	// MaxChunkSize bounds the payload of one frame.
	MaxChunkSize = 16 << 20
)

// Frame ops.
const (
	opWrite uint8 = 1 + iota
	opRead
)

// Frame flags.
const (
	// flagCompressed marks a zstd payload. On a read request it asks the
	// server to compress the reply when that pays off.
	flagCompressed uint8 = 1 << iota
)

// Response status codes.
const (
	statusOK uint8 = iota
	statusUnknownHandle
	statusOutOfRange
	statusDenied
	statusBadRequest
	statusInternal
)

// Protocol errors.
var (
	ErrBadMagic      = errors.New("tcp: bad frame magic")
	ErrFrameTooLarge = errors.New("tcp: frame too large")
	ErrAccessDenied  = errors.New("tcp: region is not remote accessible")
	ErrRemote        = errors.New("tcp: remote error")
)

// request is the fixed header of a client frame, followed on the wire by
// the handle and payloadLen bytes of payload.
//
//	magic u32 | op u8 | flags u8 | handleLen u16 | offset u64 | length u64 | payloadLen u32
type request struct {
	op         uint8
	flags      uint8
	handle     string
	offset     uint64
	length     uint64
	payloadLen uint32
}

func (r *request) writeHeader(w io.Writer) error {
	if len(r.handle) > math.MaxUint16 {
		return fmt.Errorf("tcp: handle of %d bytes: %w", len(r.handle), ErrFrameTooLarge)
	}
	buf := make([]byte, requestHeaderLen+len(r.handle))
	binary.BigEndian.PutUint32(buf[0:4], magic)
	buf[4] = r.op
	buf[5] = r.flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(r.handle)))
	binary.BigEndian.PutUint64(buf[8:16], r.offset)
	binary.BigEndian.PutUint64(buf[16:24], r.length)
	binary.BigEndian.PutUint32(buf[24:28], r.payloadLen)
	copy(buf[requestHeaderLen:], r.handle)
	_, err := w.Write(buf)
	return err
}

func readRequest(rd io.Reader) (request, error) {
	var hdr [requestHeaderLen]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return request{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic {
		return request{}, ErrBadMagic
	}
	r := request{
		op:         hdr[4],
		flags:      hdr[5],
		offset:     binary.BigEndian.Uint64(hdr[8:16]),
		length:     binary.BigEndian.Uint64(hdr[16:24]),
		payloadLen: binary.BigEndian.Uint32(hdr[24:28]),
	}
	if r.payloadLen > MaxChunkSize {
		return request{}, fmt.Errorf("payload of %d bytes: %w", r.payloadLen, ErrFrameTooLarge)
	}
	handle := make([]byte, binary.BigEndian.Uint16(hdr[6:8]))
	if _, err := io.ReadFull(rd, handle); err != nil {
		return request{}, err
	}
	r.handle = string(handle)
	return r, nil
}

// response is the fixed header of a server reply, followed by payloadLen
// bytes: read data on success, an error message otherwise.
//
//	magic u32 | status u8 | flags u8 | reserved u16 | payloadLen u32
type response struct {
	status     uint8
	flags      uint8
	payloadLen uint32
}

func (r *response) writeHeader(w io.Writer) error {
	var hdr [responseHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], magic)
	hdr[4] = r.status
	hdr[5] = r.flags
	binary.BigEndian.PutUint32(hdr[8:12], r.payloadLen)
	_, err := w.Write(hdr[:])
	return err
}

func readResponse(rd io.Reader) (response, error) {
	var hdr [responseHeaderLen]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return response{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic {
		return response{}, ErrBadMagic
	}
	r := response{
		status:     hdr[4],
		flags:      hdr[5],
		payloadLen: binary.BigEndian.Uint32(hdr[8:12]),
	}
	if r.payloadLen > MaxChunkSize {
		return response{}, fmt.Errorf("payload of %d bytes: %w", r.payloadLen, ErrFrameTooLarge)
	}
	return r, nil
}

// statusError maps a non-OK status and its message onto an error.
func statusError(status uint8, msg string) error {
	var base error
	switch status {
	case statusUnknownHandle:
		base = transport.ErrInvalidHandle
	case statusOutOfRange:
		base = transport.ErrOutOfRange
	case statusDenied:
		base = ErrAccessDenied
	default:
		base = ErrRemote
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
