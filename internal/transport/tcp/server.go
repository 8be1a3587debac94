package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/pkg/bufpool"
)

// regionLookup resolves a handle to a locally registered region.
type regionLookup func(h transport.Handle) (*transport.Region, bool)

// server answers read and write frames against registered regions.
type server struct {
	ln     net.Listener
	lookup regionLookup
	logger zerolog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func newServer(ln net.Listener, lookup regionLookup, logger zerolog.Logger) *server {
	return &server{
		ln:     ln,
		lookup: lookup,
		logger: logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *server) start() {
	s.wg.Go(s.acceptLoop)
}

func (s *server) acceptLoop() {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("accept failed")
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Go(func() { s.serveConn(c) })
	}
}

func (s *server) serveConn(c net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = c.Close()
	}()

	rd := bufio.NewReaderSize(c, bufpool.SmallSize)
	w := bufio.NewWriterSize(c, bufpool.SmallSize)
	for {
		req, err := readRequest(rd)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Str("peer", c.RemoteAddr().String()).Msg("dropping connection")
			}
			return
		}
		if err := s.handle(rd, w, req); err != nil {
			s.logger.Debug().Err(err).Str("peer", c.RemoteAddr().String()).Msg("dropping connection")
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

// handle serves one frame. A returned error means the stream is no longer
// in sync and the connection must close.
func (s *server) handle(rd io.Reader, w io.Writer, req request) error {
	target, status, msg := s.resolve(req)

	switch req.op {
	case opWrite:
		if status != statusOK {
			if _, err := io.CopyN(io.Discard, rd, int64(req.payloadLen)); err != nil {
				return err
			}
			return writeStatus(w, status, msg)
		}
		if err := s.receive(rd, target, req); err != nil {
			var perr *payloadError
			if errors.As(err, &perr) {
				return writeStatus(w, statusBadRequest, perr.Error())
			}
			return err
		}
		return writeStatus(w, statusOK, "")

	case opRead:
		if req.payloadLen != 0 {
			return fmt.Errorf("read frame with %d payload bytes", req.payloadLen)
		}
		if status != statusOK {
			return writeStatus(w, status, msg)
		}
		return send(w, target, req.flags&flagCompressed != 0)

	default:
		return fmt.Errorf("unknown op %d", req.op)
	}
}

// resolve checks the frame against the region table.
func (s *server) resolve(req request) ([]byte, uint8, string) {
	r, ok := s.lookup(transport.Handle(req.handle))
	if !ok {
		return nil, statusUnknownHandle, req.handle
	}
	if !r.RemoteAccessible {
		return nil, statusDenied, req.handle
	}
	if req.length > MaxChunkSize {
		return nil, statusBadRequest, fmt.Sprintf("chunk of %d bytes", req.length)
	}
	if err := transport.CheckRange(req.offset, req.length, uint64(len(r.Buf))); err != nil {
		return nil, statusOutOfRange, err.Error()
	}
	return r.Buf[req.offset : req.offset+req.length], statusOK, ""
}

// payloadError is a malformed payload that was read in full, so the stream
// is still in sync.
type payloadError struct{ err error }

func (e *payloadError) Error() string { return e.err.Error() }

// receive copies a write payload into target.
func (s *server) receive(rd io.Reader, target []byte, req request) error {
	if req.flags&flagCompressed == 0 {
		if uint64(req.payloadLen) != req.length {
			if _, err := io.CopyN(io.Discard, rd, int64(req.payloadLen)); err != nil {
				return err
			}
			return &payloadError{fmt.Errorf("payload of %d bytes for length %d", req.payloadLen, req.length)}
		}
		_, err := io.ReadFull(rd, target)
		return err
	}

	buf := bufpool.Get(int(req.payloadLen))
	defer bufpool.Put(buf)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return err
	}
	if err := decompressInto(target, buf); err != nil {
		return &payloadError{err}
	}
	return nil
}

// send replies with the bytes of src.
func send(w io.Writer, src []byte, compressed bool) error {
	payload, flags := src, uint8(0)
	if compressed {
		if out, ok := compress(src); ok {
			defer bufpool.Put(out)
			payload, flags = out, flagCompressed
		}
	}
	resp := response{status: statusOK, flags: flags, payloadLen: uint32(len(payload))}
	if err := resp.writeHeader(w); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func writeStatus(w io.Writer, status uint8, msg string) error {
	resp := response{status: status, payloadLen: uint32(len(msg))}
	if err := resp.writeHeader(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, msg)
	return err
}

// close stops accepting and drops every open connection.
func (s *server) close() error {
	s.mu.Lock()
	s.closed = true
	err := s.ln.Close()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}
