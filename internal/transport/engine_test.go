package transport_test

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramcache/dramcache/internal/metrics"
	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/internal/transport/local"
	"github.com/dramcache/dramcache/internal/transport/rdma"
	"github.com/dramcache/dramcache/internal/transport/tcp"
)

const waitTimeout = 5 * time.Second

type testNode struct {
	name     string
	engine   *transport.Engine
	registry *transport.Registry
	rdma     *rdma.Backend
	tcp      *tcp.Backend
	metrics  *metrics.TransferMetrics
}

func newTestNode(t *testing.T, f *rdma.Fabric, name string, order ...transport.BackendType) *testNode {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))

	dev, err := f.Open("mlx5_0", "fab://"+name)
	require.NoError(t, err)
	rb, err := rdma.New(rdma.Config{Devices: []rdma.Device{dev}, Logger: logger})
	require.NoError(t, err)
	tb, err := tcp.New(tcp.Config{Listen: "127.0.0.1:0", Logger: logger})
	require.NoError(t, err)

	reg := transport.NewRegistry(transport.RegistryConfig{DefaultOrder: order})
	require.NoError(t, reg.Register(local.New()))
	require.NoError(t, reg.Register(rb))
	require.NoError(t, reg.Register(tb))

	m := metrics.InitTransferMetrics(name + "/" + t.Name())
	e, err := transport.NewEngine(transport.Config{
		NodeName: name,
		Resolver: topology.NewResolver(name, topology.Matrix{
			"cpu:0": {Preferred: []string{"mlx5_0"}},
		}),
		Registry: reg,
		Logger:   logger,
		Metrics:  m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	return &testNode{name: name, engine: e, registry: reg, rdma: rb, tcp: tb, metrics: m}
}

func (n *testNode) endpoints() []topology.Endpoint {
	eps := n.rdma.Endpoints(func(string) string { return "cpu:0" })
	return append(eps, n.tcp.Endpoint("cpu:0"))
}

// publish registers a remote-accessible segment on n and makes it known to
// peers, the way discovery does.
func (n *testNode) publish(t *testing.T, handle string, size int, peers ...*testNode) []byte {
	t.Helper()
	seg := make([]byte, size)
	_, err := n.engine.RegisterMemoryAs(transport.Handle(handle), seg, "cpu:0", true)
	require.NoError(t, err)
	for _, p := range peers {
		p.engine.Resolver().SetPeer(n.name, n.endpoints())
		require.NoError(t, p.engine.RegisterRemote(transport.RemoteRegion{
			Handle:   transport.Handle(handle),
			Node:     n.name,
			Length:   uint64(size),
			Location: "cpu:0",
		}))
	}
	return seg
}

func (n *testNode) register(t *testing.T, buf []byte) transport.Handle {
	t.Helper()
	h, err := n.engine.RegisterMemory(buf, "cpu:0", false)
	require.NoError(t, err)
	return h
}

func randomBytes(t *testing.T, size int) []byte {
	t.Helper()
	b := make([]byte, size)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func transfer(t *testing.T, e *transport.Engine, reqs ...transport.Request) (transport.Status, error) {
	t.Helper()
	return e.Transfer(context.Background(), reqs, waitTimeout)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(a *testNode)
		backend string
	}{
		{name: "rdma", setup: func(*testNode) {}, backend: "rdma"},
		{
			name: "tcp when rdma is disabled for the peer",
			setup: func(a *testNode) {
				a.registry.SetNodeConfig("node-b", transport.NodeBackendConfig{Disabled: []transport.BackendType{transport.BackendRDMA}})
			},
			backend: "tcp",
		},
		{
			name: "tcp when the peer device is unreachable",
			setup: func(a *testNode) {
				a.engine.Resolver().SetPeer("node-b", []topology.Endpoint{
					{Interface: "mlx5_0", Address: "fab://gone", Transport: topology.TransportRDMA},
					a.engine.Resolver().Endpoints("node-b")[1],
				})
			},
			backend: "tcp",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := rdma.NewFabric(rdma.FabricConfig{})
			a := newTestNode(t, f, "node-a")
			b := newTestNode(t, f, "node-b")
			seg := b.publish(t, "seg-b", 1<<16, a)
			tt.setup(a)

			data := randomBytes(t, 3000)
			src := a.register(t, data)
			dst := make([]byte, len(data))
			dstH := a.register(t, dst)

			st, err := transfer(t, a.engine, transport.Request{Source: src, Dest: "seg-b", DestOffset: 4096, Length: uint64(len(data))})
			require.NoError(t, err)
			assert.Equal(t, transport.StateCompleted, st.State)
			assert.Equal(t, data, seg[4096:4096+len(data)])

			st, err = transfer(t, a.engine, transport.Request{Source: "seg-b", SourceOffset: 4096, Dest: dstH, Length: uint64(len(data))})
			require.NoError(t, err)
			assert.Equal(t, 1, st.Completed)
			assert.Equal(t, data, dst)

			assert.Equal(t, float64(2*len(data)), promtestutil.ToFloat64(a.metrics.BytesTransferred.WithLabelValues(tt.backend)))
		})
	}
}

func TestLocalCopy(t *testing.T) {
	a := newTestNode(t, rdma.NewFabric(rdma.FabricConfig{}), "node-a")

	data := randomBytes(t, 512)
	dst := make([]byte, 1024)
	src := a.register(t, data)
	dstH := a.register(t, dst)

	_, err := transfer(t, a.engine,
		transport.Request{Source: src, Dest: dstH, Length: 512},
		transport.Request{Source: src, SourceOffset: 256, Dest: dstH, DestOffset: 768, Length: 256},
	)
	require.NoError(t, err)
	assert.Equal(t, data, dst[:512])
	assert.Equal(t, data[256:], dst[768:])
	assert.Equal(t, float64(768), promtestutil.ToFloat64(a.metrics.BytesTransferred.WithLabelValues("local")))
}

func TestBatchAcrossNodes(t *testing.T) {
	f := rdma.NewFabric(rdma.FabricConfig{})
	a := newTestNode(t, f, "node-a")
	b := newTestNode(t, f, "node-b")
	c := newTestNode(t, f, "node-c")
	segB := b.publish(t, "seg-b", 4096, a)
	segC := c.publish(t, "seg-c", 4096, a)

	data := randomBytes(t, 1024)
	src := a.register(t, data)

	st, err := transfer(t, a.engine,
		transport.Request{Source: src, Dest: "seg-b", Length: 1024},
		transport.Request{Source: src, Dest: "seg-c", DestOffset: 1024, Length: 1024},
		transport.Request{Source: src, SourceOffset: 512, Dest: "seg-b", DestOffset: 2048, Length: 512},
	)
	require.NoError(t, err)
	assert.Equal(t, transport.Status{State: transport.StateCompleted, Total: 3, Completed: 3}, st)
	assert.Equal(t, data, segB[:1024])
	assert.Equal(t, data[512:], segB[2048:2560])
	assert.Equal(t, data, segC[1024:2048])
}

func TestRouteFallback(t *testing.T) {
	f := rdma.NewFabric(rdma.FabricConfig{})
	a := newTestNode(t, f, "node-a", transport.BackendLocal, transport.BackendTCP, transport.BackendRDMA)
	b := newTestNode(t, f, "node-b")
	seg := b.publish(t, "seg-b", 4096, a)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	require.NoError(t, ln.Close())

	// TCP is preferred but its endpoint refuses connections.
	eps := b.rdma.Endpoints(nil)
	eps = append(eps, topology.Endpoint{Address: dead, Transport: topology.TransportTCP})
	a.engine.Resolver().SetPeer("node-b", eps)

	data := randomBytes(t, 100)
	_, err = transfer(t, a.engine, transport.Request{Source: a.register(t, data), Dest: "seg-b", Length: 100})
	require.NoError(t, err)
	assert.Equal(t, data, seg[:100])
	assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.RouteFallbacks))
	assert.Equal(t, float64(100), promtestutil.ToFloat64(a.metrics.BytesTransferred.WithLabelValues("rdma")))
}

func TestUnreachableDestination(t *testing.T) {
	f := rdma.NewFabric(rdma.FabricConfig{})
	a := newTestNode(t, f, "node-a")
	b := newTestNode(t, f, "node-b")
	b.publish(t, "seg-b", 4096, a)
	a.engine.Resolver().SetPeers(nil)

	src := a.register(t, make([]byte, 64))
	id, err := a.engine.AllocateBatchID()
	require.NoError(t, err)

	err = a.engine.SubmitBatch(context.Background(), id, []transport.Request{{Source: src, Dest: "seg-b", Length: 64}})
	assert.ErrorIs(t, err, transport.ErrUnreachableDestination)

	_, err = a.engine.Wait(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, transport.ErrBatchNotFound, "nothing was issued")
	assert.NoError(t, a.engine.UnregisterMemory(src), "no lease is left behind")
}

func TestSubmitValidation(t *testing.T) {
	f := rdma.NewFabric(rdma.FabricConfig{})
	a := newTestNode(t, f, "node-a")
	b := newTestNode(t, f, "node-b")
	b.publish(t, "seg-b", 4096, a)
	src := a.register(t, make([]byte, 64))

	tests := []struct {
		name string
		req  transport.Request
		want error
	}{
		{"zero length", transport.Request{Source: src, Dest: "seg-b"}, transport.ErrOutOfRange},
		{"source range", transport.Request{Source: src, SourceOffset: 32, Dest: "seg-b", Length: 64}, transport.ErrOutOfRange},
		{"dest range", transport.Request{Source: src, Dest: "seg-b", DestOffset: 4090, Length: 8}, transport.ErrOutOfRange},
		{"unknown remote", transport.Request{Source: src, Dest: "nope", Length: 8}, transport.ErrInvalidHandle},
		{"no local side", transport.Request{Source: "seg-b", Dest: "nope", Length: 8}, transport.ErrInvalidHandle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := a.engine.AllocateBatchID()
			require.NoError(t, err)
			defer a.engine.FreeBatch(id)

			err = a.engine.SubmitBatch(context.Background(), id, []transport.Request{
				{Source: src, Dest: "seg-b", Length: 8},
				tt.req,
			})
			assert.ErrorIs(t, err, tt.want)

			st, err := a.engine.Poll(id)
			require.NoError(t, err)
			assert.Zero(t, st.Total, "a rejected batch issues nothing")
		})
	}
}

func TestFailedTaskFailsBatch(t *testing.T) {
	f := rdma.NewFabric(rdma.FabricConfig{})
	a := newTestNode(t, f, "node-a")
	b := newTestNode(t, f, "node-b")
	b.publish(t, "seg-b", 4096, a)

	// Advertise more than the owner registered so the remote side rejects
	// the access after issue.
	require.NoError(t, a.engine.RegisterRemote(transport.RemoteRegion{Handle: "seg-b", Node: "node-b", Length: 1 << 20}))

	src := a.register(t, make([]byte, 64))
	st, err := transfer(t, a.engine,
		transport.Request{Source: src, Dest: "seg-b", Length: 64},
		transport.Request{Source: src, Dest: "seg-b", DestOffset: 8192, Length: 64},
	)
	assert.ErrorIs(t, err, transport.ErrTransferFailed)
	assert.ErrorIs(t, err, rdma.ErrRemoteAccess)
	assert.Equal(t, transport.StateFailed, st.State)
	assert.Equal(t, 1, st.Completed)
	assert.Equal(t, 1, st.Failed)
	assert.Eventually(t, func() bool {
		return promtestutil.ToFloat64(a.metrics.BatchesFailed) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEmptyBatch(t *testing.T) {
	a := newTestNode(t, rdma.NewFabric(rdma.FabricConfig{}), "node-a")

	id, err := a.engine.AllocateBatchID()
	require.NoError(t, err)
	require.NoError(t, a.engine.SubmitBatch(context.Background(), id, nil))

	st, err := a.engine.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, transport.StateCompleted, st.State)

	st, err = a.engine.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.True(t, st.Resolved())
}

func TestBatchLifecycle(t *testing.T) {
	a := newTestNode(t, rdma.NewFabric(rdma.FabricConfig{}), "node-a")
	src := a.register(t, make([]byte, 8))
	dst := a.register(t, make([]byte, 8))

	id, err := a.engine.AllocateBatchID()
	require.NoError(t, err)

	_, err = a.engine.Wait(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, transport.ErrBatchNotFound, "not submitted yet")

	reqs := []transport.Request{{Source: src, Dest: dst, Length: 8}}
	require.NoError(t, a.engine.SubmitBatch(context.Background(), id, reqs))
	assert.ErrorIs(t, a.engine.SubmitBatch(context.Background(), id, reqs), transport.ErrBatchSubmitted)

	_, err = a.engine.Wait(context.Background(), id, waitTimeout)
	require.NoError(t, err)

	require.NoError(t, a.engine.FreeBatch(id))
	_, err = a.engine.Poll(id)
	assert.ErrorIs(t, err, transport.ErrBatchNotFound)
	assert.ErrorIs(t, a.engine.Abort(id), transport.ErrBatchNotFound)
}

func TestRegisterMemory(t *testing.T) {
	f := rdma.NewFabric(rdma.FabricConfig{MaxRegions: 1})
	a := newTestNode(t, f, "node-a")

	_, err := a.engine.RegisterMemory(nil, "cpu:0", false)
	assert.ErrorIs(t, err, transport.ErrRegistrationFailed)

	h, err := a.engine.RegisterMemoryAs("seg", make([]byte, 8), "cpu:0", true)
	require.NoError(t, err)
	_, err = a.engine.RegisterMemoryAs("seg", make([]byte, 8), "cpu:0", true)
	assert.ErrorIs(t, err, transport.ErrRegistrationFailed)

	// The device holds one region, so the next registration fails in the
	// rdma backend and is rolled back everywhere.
	_, err = a.engine.RegisterMemoryAs("other", make([]byte, 8), "cpu:0", false)
	assert.ErrorIs(t, err, transport.ErrRegistrationFailed)
	assert.ErrorIs(t, err, rdma.ErrTooManyRegions)
	assert.ErrorIs(t, a.engine.UnregisterMemory("other"), transport.ErrInvalidHandle)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(a.metrics.RegistrationsFailed))

	require.NoError(t, a.engine.UnregisterMemory(h))
	_, err = a.engine.RegisterMemoryAs("other", make([]byte, 8), "cpu:0", false)
	assert.NoError(t, err)
}

// stallBackend accepts tasks and never completes them until told to.
type stallBackend struct {
	mu    sync.Mutex
	dones []func(int, error)
	tasks [][]transport.Task
}

func (s *stallBackend) Type() transport.BackendType             { return transport.BackendTCP }
func (s *stallBackend) RegisterMemory(*transport.Region) error  { return nil }
func (s *stallBackend) UnregisterMemory(transport.Handle) error { return nil }
func (s *stallBackend) Close() error                            { return nil }
func (s *stallBackend) Reachable(rt topology.Route) bool {
	return rt.Remote.Transport == topology.TransportTCP
}

func (s *stallBackend) Submit(_ context.Context, _ topology.Route, tasks []transport.Task, done func(int, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dones = append(s.dones, done)
	s.tasks = append(s.tasks, tasks)
	return nil
}

// finish completes every stalled task.
func (s *stallBackend) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, done := range s.dones {
		for j := range s.tasks[i] {
			done(j, err)
		}
	}
}

func newStallEngine(t *testing.T) (*transport.Engine, *stallBackend, transport.Handle) {
	t.Helper()
	stall := &stallBackend{}
	reg := transport.NewRegistry(transport.RegistryConfig{})
	require.NoError(t, reg.Register(stall))

	e, err := transport.NewEngine(transport.Config{NodeName: "node-a", Registry: reg, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	e.Resolver().SetPeer("node-b", []topology.Endpoint{{Address: "10.0.0.2:7000", Transport: topology.TransportTCP}})
	require.NoError(t, e.RegisterRemote(transport.RemoteRegion{Handle: "seg-b", Node: "node-b", Length: 4096}))

	src, err := e.RegisterMemory(make([]byte, 64), "cpu:0", false)
	require.NoError(t, err)
	return e, stall, src
}

func TestWaitTimeoutReleasesHandles(t *testing.T) {
	e, stall, src := newStallEngine(t)

	id, err := e.AllocateBatchID()
	require.NoError(t, err)
	require.NoError(t, e.SubmitBatch(context.Background(), id, []transport.Request{{Source: src, Dest: "seg-b", Length: 64}}))

	assert.ErrorIs(t, e.UnregisterMemory(src), transport.ErrHandleInUse)

	st, err := e.Wait(context.Background(), id, 20*time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrTimedOut)
	assert.Equal(t, transport.StateTimedOut, st.State)

	// Late completions are ignored.
	stall.finish(nil)
	st, err = e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, transport.StateTimedOut, st.State)
	assert.Zero(t, st.Completed)

	assert.NoError(t, e.UnregisterMemory(src))
}

func TestWaitContextCanceled(t *testing.T) {
	e, _, src := newStallEngine(t)

	id, err := e.AllocateBatchID()
	require.NoError(t, err)
	require.NoError(t, e.SubmitBatch(context.Background(), id, []transport.Request{{Source: src, Dest: "seg-b", Length: 64}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st, err := e.Wait(ctx, id, 0)
	assert.ErrorIs(t, err, transport.ErrTimedOut)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, transport.StateTimedOut, st.State)
}

func TestAbort(t *testing.T) {
	e, _, src := newStallEngine(t)

	id, err := e.AllocateBatchID()
	require.NoError(t, err)
	require.NoError(t, e.SubmitBatch(context.Background(), id, []transport.Request{{Source: src, Dest: "seg-b", Length: 64}}))

	require.NoError(t, e.Abort(id))
	st, err := e.Wait(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, transport.ErrAborted)
	assert.Equal(t, transport.StateFailed, st.State)
	assert.NoError(t, e.UnregisterMemory(src))
}

func TestPollInProgress(t *testing.T) {
	e, stall, src := newStallEngine(t)

	id, err := e.AllocateBatchID()
	require.NoError(t, err)
	require.NoError(t, e.SubmitBatch(context.Background(), id, []transport.Request{
		{Source: src, Dest: "seg-b", Length: 32},
		{Source: src, SourceOffset: 32, Dest: "seg-b", DestOffset: 32, Length: 32},
	}))

	st, err := e.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, transport.StateInProgress, st.State)
	assert.Equal(t, 2, st.Total)
	assert.False(t, st.Resolved())

	stall.finish(nil)
	st, err = e.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Completed)
}

func TestCloseAbortsBatches(t *testing.T) {
	e, _, src := newStallEngine(t)

	id, err := e.AllocateBatchID()
	require.NoError(t, err)
	require.NoError(t, e.SubmitBatch(context.Background(), id, []transport.Request{{Source: src, Dest: "seg-b", Length: 64}}))

	require.NoError(t, e.Close())
	_, err = e.Wait(context.Background(), id, time.Second)
	assert.ErrorIs(t, err, transport.ErrEngineClosed)

	_, err = e.AllocateBatchID()
	assert.ErrorIs(t, err, transport.ErrEngineClosed)
	_, err = e.RegisterMemory(make([]byte, 8), "cpu:0", false)
	assert.ErrorIs(t, err, transport.ErrEngineClosed)
}

func TestNewEngineRequiresNodeAndRegistry(t *testing.T) {
	_, err := transport.NewEngine(transport.Config{Registry: transport.NewRegistry(transport.RegistryConfig{})})
	assert.Error(t, err)
	_, err = transport.NewEngine(transport.Config{NodeName: "node-a"})
	assert.Error(t, err)
}
