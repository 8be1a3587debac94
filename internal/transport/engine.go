package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/metrics"
	"github.com/dramcache/dramcache/internal/topology"
)

// Config holds transfer engine settings.
type Config struct {
	// NodeName is the name of the node this engine runs on.
	NodeName string
	Resolver *topology.Resolver
	Registry *Registry
	Logger   zerolog.Logger
	Metrics  *metrics.TransferMetrics
}

type localRegion struct {
	region *Region
	leases int
}

// Engine routes transfer requests between registered regions to the best
// backend and tracks batches until they resolve.
type Engine struct {
	node     string
	resolver *topology.Resolver
	registry *Registry
	logger   zerolog.Logger
	metrics  *metrics.TransferMetrics

	mu      sync.Mutex
	regions map[Handle]*localRegion
	remotes map[Handle]RemoteRegion
	batches map[BatchID]*batch
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a transfer engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.NodeName == "" {
		return nil, fmt.Errorf("node name is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("backend registry is required")
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = topology.NewResolver(cfg.NodeName, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		node:     cfg.NodeName,
		resolver: resolver,
		registry: cfg.Registry,
		logger:   cfg.Logger.With().Str("component", "transfer-engine").Logger(),
		metrics:  cfg.Metrics,
		regions:  make(map[Handle]*localRegion),
		remotes:  make(map[Handle]RemoteRegion),
		batches:  make(map[BatchID]*batch),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// NodeName returns the node this engine runs on.
func (e *Engine) NodeName() string {
	return e.node
}

// Resolver returns the topology resolver used for routing.
func (e *Engine) Resolver() *topology.Resolver {
	return e.resolver
}

// RegisterMemory registers buf with every backend and returns its handle.
// The caller keeps ownership of buf and must not release it before
// UnregisterMemory succeeds.
func (e *Engine) RegisterMemory(buf []byte, location string, remoteAccessible bool) (Handle, error) {
	return e.RegisterMemoryAs(Handle(uuid.NewString()), buf, location, remoteAccessible)
}

// RegisterMemoryAs is RegisterMemory with a caller-chosen handle.
func (e *Engine) RegisterMemoryAs(h Handle, buf []byte, location string, remoteAccessible bool) (Handle, error) {
	if len(buf) == 0 {
		return "", fmt.Errorf("empty region: %w", ErrRegistrationFailed)
	}
	if h == "" {
		return "", fmt.Errorf("empty handle: %w", ErrRegistrationFailed)
	}
	r := &Region{
		Handle:           h,
		Buf:              buf,
		Location:         location,
		RemoteAccessible: remoteAccessible,
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrEngineClosed
	}
	if _, ok := e.regions[h]; ok {
		return "", fmt.Errorf("handle %s already registered: %w", h, ErrRegistrationFailed)
	}

	var registered []Backend
	for _, b := range e.registry.Ordered() {
		if err := b.RegisterMemory(r); err != nil {
			for _, done := range registered {
				_ = done.UnregisterMemory(h)
			}
			if e.metrics != nil {
				e.metrics.RegistrationsFailed.Inc()
			}
			if !errors.Is(err, ErrRegistrationFailed) {
				err = fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
			}
			return "", fmt.Errorf("register %d bytes with %s: %w", len(buf), b.Type(), err)
		}
		registered = append(registered, b)
	}

	e.regions[h] = &localRegion{region: r}
	if e.metrics != nil {
		e.metrics.RegisteredRegions.Set(float64(len(e.regions)))
	}
	e.logger.Debug().
		Str("handle", string(h)).
		Int("bytes", len(buf)).
		Str("location", location).
		Bool("remote", remoteAccessible).
		Msg("Memory registered")
	return h, nil
}

// UnregisterMemory releases a region. A region leased by an unresolved
// batch cannot be unregistered.
func (e *Engine) UnregisterMemory(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lr, ok := e.regions[h]
	if !ok {
		return fmt.Errorf("unregister %s: %w", h, ErrInvalidHandle)
	}
	if lr.leases > 0 {
		return fmt.Errorf("unregister %s: %w", h, ErrHandleInUse)
	}

	var errs []error
	for _, b := range e.registry.Ordered() {
		if err := b.UnregisterMemory(h); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", b.Type(), err))
		}
	}
	delete(e.regions, h)
	if e.metrics != nil {
		e.metrics.RegisteredRegions.Set(float64(len(e.regions)))
	}
	return errors.Join(errs...)
}

// RegisterRemote records a region published by another node.
func (e *Engine) RegisterRemote(r RemoteRegion) error {
	if r.Handle == "" || r.Node == "" || r.Length == 0 {
		return fmt.Errorf("remote region needs handle, node and length: %w", ErrInvalidHandle)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.regions[r.Handle]; ok {
		return nil
	}
	e.remotes[r.Handle] = r
	return nil
}

// UnregisterRemote forgets a remote region.
func (e *Engine) UnregisterRemote(h Handle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.remotes, h)
}

// Remote returns a known remote region.
func (e *Engine) Remote(h Handle) (RemoteRegion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.remotes[h]
	return r, ok
}

// AllocateBatchID creates an empty batch.
func (e *Engine) AllocateBatchID() (BatchID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return "", ErrEngineClosed
	}
	id := BatchID(uuid.NewString())
	e.batches[id] = newBatch(id)
	return id, nil
}

func (e *Engine) getBatch(id BatchID) (*batch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b, ok := e.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, ErrBatchNotFound)
	}
	return b, nil
}

// group is the tasks of a batch that share a destination and a local
// memory location, and so share a route.
type group struct {
	node     string
	location string
	local    bool
	tasks    []Task
	index    []int // position of each task in the batch
	cands    []candidate
}

// SubmitBatch validates requests, picks a route per destination and issues
// them asynchronously. Nothing is issued when a request is invalid or a
// destination has no route.
func (e *Engine) SubmitBatch(ctx context.Context, id BatchID, reqs []Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := e.getBatch(id)
	if err != nil {
		return err
	}

	groups, handles, err := e.plan(b, reqs)
	if err != nil {
		return err
	}

	for _, g := range groups {
		if g.local {
			g.cands = e.localCandidate()
		} else {
			g.cands = e.candidates(g.tasks[0].Local.Location, g.node, g.location)
		}
		if len(g.cands) == 0 {
			e.unplan(b, handles)
			return fmt.Errorf("no backend reaches %s: %w", g.node, ErrUnreachableDestination)
		}
	}

	if e.metrics != nil {
		e.metrics.BatchesSubmitted.Inc()
		e.metrics.BatchesInFlight.Inc()
	}
	if len(reqs) == 0 {
		b.abort(StateCompleted, nil)
		return nil
	}

	bctx := b.ctxFor(e.ctx)
	var submitErr error
	for _, g := range groups {
		err := e.dispatch(bctx, g.node, g.cands, g.tasks, func(typ BackendType, i int, err error) {
			length := g.tasks[i].Length
			if e.metrics != nil {
				if err == nil {
					e.metrics.BytesTransferred.WithLabelValues(string(typ)).Add(float64(length))
				} else {
					e.metrics.TasksFailed.WithLabelValues(string(typ)).Inc()
				}
			}
			b.complete(g.index[i], length, err)
		})
		if err != nil {
			for _, idx := range g.index {
				b.complete(idx, 0, err)
			}
			if submitErr == nil {
				submitErr = err
			}
		}
	}
	return submitErr
}

// plan turns requests into per-destination task groups and leases the local
// regions they touch.
func (e *Engine) plan(b *batch, reqs []Request) ([]*group, []Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, nil, ErrEngineClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitted {
		return nil, nil, fmt.Errorf("batch %s: %w", b.id, ErrBatchSubmitted)
	}

	byDest := make(map[string]*group)
	var order []*group
	for i, req := range reqs {
		task, node, location, local, err := e.resolveLocked(req)
		if err != nil {
			return nil, nil, fmt.Errorf("request %d (%s): %w", i, req, err)
		}
		key := node + "|" + location + "|" + task.Local.Location
		if local {
			key = "local"
		}
		g, ok := byDest[key]
		if !ok {
			g = &group{node: node, location: location, local: local}
			byDest[key] = g
			order = append(order, g)
		}
		g.tasks = append(g.tasks, task)
		g.index = append(g.index, i)
	}

	var handles []Handle
	for _, g := range order {
		for _, t := range g.tasks {
			handles = append(handles, t.Local.Handle)
			if g.local {
				handles = append(handles, t.Remote)
			}
		}
	}
	for _, h := range handles {
		e.regions[h].leases++
	}

	b.submitted = true
	b.handles = handles
	b.resolved = make([]bool, len(reqs))
	b.status = Status{State: StateInProgress, Total: len(reqs)}
	b.onResolve = e.onResolve
	return order, handles, nil
}

// unplan reverts plan when routing fails before anything was issued.
func (e *Engine) unplan(b *batch, handles []Handle) {
	e.mu.Lock()
	for _, h := range handles {
		if lr, ok := e.regions[h]; ok {
			lr.leases--
		}
	}
	e.mu.Unlock()

	b.mu.Lock()
	b.submitted = false
	b.handles = nil
	b.resolved = nil
	b.status = Status{}
	b.onResolve = nil
	b.mu.Unlock()
}

// resolveLocked maps a request onto a task. Caller must hold e.mu.
func (e *Engine) resolveLocked(req Request) (task Task, node, location string, local bool, err error) {
	src, srcLocal := e.regions[req.Source]
	dst, dstLocal := e.regions[req.Dest]

	switch {
	case srcLocal && dstLocal:
		if err := CheckRange(req.SourceOffset, req.Length, uint64(len(src.region.Buf))); err != nil {
			return Task{}, "", "", false, err
		}
		if err := CheckRange(req.DestOffset, req.Length, uint64(len(dst.region.Buf))); err != nil {
			return Task{}, "", "", false, err
		}
		return Task{
			Op:           OpWrite,
			Local:        src.region,
			LocalOffset:  req.SourceOffset,
			Remote:       req.Dest,
			RemoteOffset: req.DestOffset,
			Length:       req.Length,
		}, e.node, dst.region.Location, true, nil

	case srcLocal:
		remote, ok := e.remotes[req.Dest]
		if !ok {
			return Task{}, "", "", false, fmt.Errorf("destination %s: %w", req.Dest, ErrInvalidHandle)
		}
		if err := CheckRange(req.SourceOffset, req.Length, uint64(len(src.region.Buf))); err != nil {
			return Task{}, "", "", false, err
		}
		if err := CheckRange(req.DestOffset, req.Length, remote.Length); err != nil {
			return Task{}, "", "", false, err
		}
		return Task{
			Op:           OpWrite,
			Local:        src.region,
			LocalOffset:  req.SourceOffset,
			Remote:       req.Dest,
			RemoteOffset: req.DestOffset,
			Length:       req.Length,
		}, remote.Node, remote.Location, false, nil

	case dstLocal:
		remote, ok := e.remotes[req.Source]
		if !ok {
			return Task{}, "", "", false, fmt.Errorf("source %s: %w", req.Source, ErrInvalidHandle)
		}
		if err := CheckRange(req.SourceOffset, req.Length, remote.Length); err != nil {
			return Task{}, "", "", false, err
		}
		if err := CheckRange(req.DestOffset, req.Length, uint64(len(dst.region.Buf))); err != nil {
			return Task{}, "", "", false, err
		}
		return Task{
			Op:           OpRead,
			Local:        dst.region,
			LocalOffset:  req.DestOffset,
			Remote:       req.Source,
			RemoteOffset: req.SourceOffset,
			Length:       req.Length,
		}, remote.Node, remote.Location, false, nil

	default:
		return Task{}, "", "", false, fmt.Errorf("neither %s nor %s is local: %w", req.Source, req.Dest, ErrInvalidHandle)
	}
}

// onResolve releases the leases of a resolved batch.
func (e *Engine) onResolve(b *batch) {
	b.mu.Lock()
	handles := b.handles
	b.handles = nil
	st := b.status
	b.mu.Unlock()

	e.mu.Lock()
	for _, h := range handles {
		if lr, ok := e.regions[h]; ok && lr.leases > 0 {
			lr.leases--
		}
	}
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.BatchesInFlight.Dec()
		switch st.State {
		case StateCompleted:
			e.metrics.BatchesCompleted.Inc()
		case StateFailed:
			e.metrics.BatchesFailed.Inc()
		case StateTimedOut:
			e.metrics.BatchesTimedOut.Inc()
		}
	}
	if st.State != StateCompleted {
		e.logger.Debug().
			Str("batch", string(b.id)).
			Str("state", st.State.String()).
			Int("failed", st.Failed).
			AnErr("cause", st.Err).
			Msg("Batch did not complete")
	}
}

// Poll returns the current status of a batch without blocking.
func (e *Engine) Poll(id BatchID) (Status, error) {
	b, err := e.getBatch(id)
	if err != nil {
		return Status{}, err
	}
	return b.snapshot(), nil
}

// Wait blocks until the batch resolves, timeout elapses or ctx is done.
// A zero timeout waits on ctx alone. On timeout the batch is aborted and
// its regions released; the destination bytes are then unspecified.
func (e *Engine) Wait(ctx context.Context, id BatchID, timeout time.Duration) (Status, error) {
	b, err := e.getBatch(id)
	if err != nil {
		return Status{}, err
	}
	if !b.isSubmitted() {
		return Status{}, fmt.Errorf("batch %s not submitted: %w", id, ErrBatchNotFound)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-b.done:
	case <-timer:
		b.abort(StateTimedOut, fmt.Errorf("after %s: %w", timeout, ErrTimedOut))
	case <-ctx.Done():
		b.abort(StateTimedOut, fmt.Errorf("%w: %w", ErrTimedOut, ctx.Err()))
	}

	st := b.snapshot()
	switch st.State {
	case StateCompleted:
		return st, nil
	case StateTimedOut:
		return st, st.Err
	default:
		if errors.Is(st.Err, ErrTransferFailed) || errors.Is(st.Err, ErrAborted) {
			return st, st.Err
		}
		return st, fmt.Errorf("%w: %w", ErrTransferFailed, st.Err)
	}
}

// Abort resolves an in-progress batch as failed and releases its regions.
func (e *Engine) Abort(id BatchID) error {
	b, err := e.getBatch(id)
	if err != nil {
		return err
	}
	b.abort(StateFailed, ErrAborted)
	return nil
}

// FreeBatch forgets a batch, aborting it first if it is still in progress.
func (e *Engine) FreeBatch(id BatchID) error {
	b, err := e.getBatch(id)
	if err != nil {
		return err
	}
	if b.isSubmitted() {
		b.abort(StateFailed, ErrAborted)
	}

	e.mu.Lock()
	delete(e.batches, id)
	e.mu.Unlock()
	return nil
}

// Transfer runs reqs as one batch and waits for it.
func (e *Engine) Transfer(ctx context.Context, reqs []Request, timeout time.Duration) (Status, error) {
	id, err := e.AllocateBatchID()
	if err != nil {
		return Status{}, err
	}
	defer func() { _ = e.FreeBatch(id) }()

	if err := e.SubmitBatch(ctx, id, reqs); err != nil {
		st, _ := e.Poll(id)
		return st, err
	}
	return e.Wait(ctx, id, timeout)
}

// Close aborts every batch and closes the backends.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	batches := make([]*batch, 0, len(e.batches))
	for _, b := range e.batches {
		batches = append(batches, b)
	}
	e.mu.Unlock()

	for _, b := range batches {
		if b.isSubmitted() {
			b.abort(StateFailed, ErrEngineClosed)
		}
	}
	e.cancel()
	err := e.registry.Close()
	e.logger.Info().Msg("Transfer engine closed")
	return err
}
