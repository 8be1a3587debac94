// Package tcp implements the fallback backend: regions are served over a
// framed TCP protocol and written or read in chunks, optionally zstd
// compressed.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/pkg/bufpool"
)

// Defaults.
const (
	DefaultChunkSize   = bufpool.LargeSize
	DefaultDialTimeout = 5 * time.Second
	DefaultIdleConns   = 4
)

// Config holds TCP backend settings.
type Config struct {
	// Listen is the address regions are served on. Empty disables serving.
	Listen string
	// Advertise is the address published to peers; defaults to the
	// listener address.
	Advertise string
	// Compression enables zstd payloads.
	Compression bool
	ChunkSize   int
	DialTimeout time.Duration
	// IdleConns caps idle connections kept per peer.
	IdleConns int
	Logger    zerolog.Logger
}

// Backend serves local regions and copies to and from remote ones.
type Backend struct {
	cfg    Config
	logger zerolog.Logger
	pool   *connPool
	srv    *server

	mu      sync.RWMutex
	regions map[transport.Handle]*transport.Region
	closed  bool
}

// New creates a TCP backend and starts serving when cfg.Listen is set.
func New(cfg Config) (*Backend, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size %d exceeds %d", cfg.ChunkSize, MaxChunkSize)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.IdleConns <= 0 {
		cfg.IdleConns = DefaultIdleConns
	}

	b := &Backend{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "tcp-transport").Logger(),
		pool:    newConnPool(cfg.IdleConns, cfg.DialTimeout),
		regions: make(map[transport.Handle]*transport.Region),
	}

	if cfg.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", cfg.Listen, err)
		}
		b.srv = newServer(ln, b.region, b.logger)
		b.srv.start()
		b.logger.Info().Str("addr", ln.Addr().String()).Bool("compression", cfg.Compression).Msg("Serving regions")
	}
	return b, nil
}

// Type returns the backend type identifier.
func (b *Backend) Type() transport.BackendType {
	return transport.BackendTCP
}

// Addr returns the address peers should dial, or "" when not serving.
func (b *Backend) Addr() string {
	if b.cfg.Advertise != "" {
		return b.cfg.Advertise
	}
	if b.srv == nil {
		return ""
	}
	return b.srv.ln.Addr().String()
}

// Endpoint returns the endpoint to publish for this node.
func (b *Backend) Endpoint(location string) topology.Endpoint {
	return topology.Endpoint{
		Address:   b.Addr(),
		Transport: topology.TransportTCP,
		Location:  location,
	}
}

func (b *Backend) region(h transport.Handle) (*transport.Region, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.regions[h]
	return r, ok
}

// RegisterMemory makes r servable to peers when it is remote accessible.
func (b *Backend) RegisterMemory(r *transport.Region) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return transport.ErrEngineClosed
	}
	b.regions[r.Handle] = r
	return nil
}

// UnregisterMemory stops serving a region.
func (b *Backend) UnregisterMemory(h transport.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.regions[h]; !ok {
		return fmt.Errorf("tcp: %s: %w", h, transport.ErrInvalidHandle)
	}
	delete(b.regions, h)
	return nil
}

// Reachable reports whether route is a TCP endpoint with an address.
func (b *Backend) Reachable(route topology.Route) bool {
	return route.Remote.Transport == topology.TransportTCP && route.Remote.Address != ""
}

// Submit dials the peer and runs tasks in order on one connection. A dial
// failure is returned so the engine can fall back to another route.
func (b *Backend) Submit(ctx context.Context, route topology.Route, tasks []transport.Task, done func(int, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return transport.ErrEngineClosed
	}

	addr := route.Remote.Address
	c, err := b.pool.get(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	go b.run(ctx, addr, c, tasks, done)
	return nil
}

func (b *Backend) run(ctx context.Context, addr string, c net.Conn, tasks []transport.Task, done func(int, error)) {
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			done(i, err)
			continue
		}
		if c == nil {
			var err error
			if c, err = b.pool.get(ctx, addr); err != nil {
				done(i, fmt.Errorf("dial %s: %w", addr, err))
				continue
			}
		}

		healthy, err := b.exchange(ctx, c, t)
		if !healthy {
			b.pool.discard(addr, c)
			c = nil
		}
		done(i, err)
	}
	if c != nil {
		b.pool.put(addr, c)
	}
}

// exchange runs one task chunk by chunk. healthy is false when the
// connection can no longer be reused.
func (b *Backend) exchange(ctx context.Context, c net.Conn, t transport.Task) (healthy bool, err error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() {
			// The deadline fired; the stream may be mid-frame.
			healthy = false
			if err == nil {
				err = ctx.Err()
			}
		}
	}()

	local := t.LocalBytes()
	for off := 0; off < len(local); off += b.cfg.ChunkSize {
		chunk := local[off:min(off+b.cfg.ChunkSize, len(local))]
		req := request{
			handle: string(t.Remote),
			offset: t.RemoteOffset + uint64(off),
			length: uint64(len(chunk)),
		}

		var status uint8
		var msg string
		switch t.Op {
		case transport.OpWrite:
			status, msg, err = b.writeChunk(c, req, chunk)
		case transport.OpRead:
			status, msg, err = b.readChunk(c, req, chunk)
		default:
			return true, fmt.Errorf("tcp: unknown op %s", t.Op)
		}
		if err != nil {
			return false, err
		}
		if status != statusOK {
			return true, statusError(status, msg)
		}
	}
	return true, nil
}

func (b *Backend) writeChunk(c io.ReadWriter, req request, chunk []byte) (uint8, string, error) {
	req.op = opWrite
	payload := chunk
	if b.cfg.Compression {
		if out, ok := compress(chunk); ok {
			defer bufpool.Put(out)
			payload = out
			req.flags |= flagCompressed
		}
	}
	req.payloadLen = uint32(len(payload))

	if err := req.writeHeader(c); err != nil {
		return 0, "", err
	}
	if _, err := c.Write(payload); err != nil {
		return 0, "", err
	}
	resp, err := readResponse(c)
	if err != nil {
		return 0, "", err
	}
	msg, err := readMessage(c, resp)
	return resp.status, msg, err
}

func (b *Backend) readChunk(c io.ReadWriter, req request, chunk []byte) (uint8, string, error) {
	req.op = opRead
	if b.cfg.Compression {
		req.flags |= flagCompressed
	}
	if err := req.writeHeader(c); err != nil {
		return 0, "", err
	}
	resp, err := readResponse(c)
	if err != nil {
		return 0, "", err
	}
	if resp.status != statusOK {
		msg, err := readMessage(c, resp)
		return resp.status, msg, err
	}

	if resp.flags&flagCompressed == 0 {
		if uint64(resp.payloadLen) != req.length {
			return 0, "", fmt.Errorf("%w: read reply of %d bytes for %d", ErrRemote, resp.payloadLen, req.length)
		}
		_, err := io.ReadFull(c, chunk)
		return statusOK, "", err
	}

	buf := bufpool.Get(int(resp.payloadLen))
	defer bufpool.Put(buf)
	if _, err := io.ReadFull(c, buf); err != nil {
		return 0, "", err
	}
	if err := decompressInto(chunk, buf); err != nil {
		// The frame was consumed in full, the stream is still usable.
		return statusBadRequest, err.Error(), nil
	}
	return statusOK, "", nil
}

func readMessage(rd io.Reader, resp response) (string, error) {
	if resp.payloadLen == 0 {
		return "", nil
	}
	msg := make([]byte, resp.payloadLen)
	if _, err := io.ReadFull(rd, msg); err != nil {
		return "", err
	}
	return string(msg), nil
}

// Close stops serving and closes pooled connections.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	clear(b.regions)
	b.mu.Unlock()

	b.pool.closeAll()
	if b.srv != nil {
		return b.srv.close()
	}
	return nil
}
