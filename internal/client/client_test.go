package client

import (
	"context"
	"crypto/rand"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/rpc"
	"github.com/dramcache/dramcache/internal/storage"
	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/internal/transport"
	"github.com/dramcache/dramcache/internal/transport/local"
	"github.com/dramcache/dramcache/internal/transport/rdma"
	"github.com/dramcache/dramcache/internal/transport/tcp"
)

type cluster struct {
	svc    *master.Service
	url    string
	fabric *rdma.Fabric
	rdma   bool
	logger zerolog.Logger
}

func newCluster(t *testing.T, withRDMA bool) *cluster {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.InfoLevel)
	svc := master.New(master.Config{ShardCount: 4, Logger: logger})
	srv := httptest.NewServer(rpc.NewServer(svc, rpc.ServerConfig{Logger: logger}))
	t.Cleanup(func() {
		srv.Close()
		_ = svc.Close()
	})
	return &cluster{
		svc:    svc,
		url:    srv.URL,
		fabric: rdma.NewFabric(rdma.FabricConfig{}),
		rdma:   withRDMA,
		logger: logger,
	}
}

// engine builds a transfer engine for name. Serving engines listen for TCP
// and return the endpoints to publish.
func (c *cluster) engine(t *testing.T, name string, serve bool) (*transport.Engine, []topology.Endpoint) {
	t.Helper()
	reg := transport.NewRegistry(transport.RegistryConfig{})
	require.NoError(t, reg.Register(local.New()))

	var eps []topology.Endpoint
	tcpCfg := tcp.Config{Logger: c.logger}
	if serve {
		tcpCfg.Listen = "127.0.0.1:0"
	}
	tb, err := tcp.New(tcpCfg)
	require.NoError(t, err)
	require.NoError(t, reg.Register(tb))
	if serve {
		eps = append(eps, tb.Endpoint("cpu:0"))
	}

	if c.rdma {
		dev, err := c.fabric.Open("mlx5_0", "fab://"+name)
		require.NoError(t, err)
		rb, err := rdma.New(rdma.Config{Devices: []rdma.Device{dev}, Logger: c.logger})
		require.NoError(t, err)
		require.NoError(t, reg.Register(rb))
		eps = append(eps, rb.Endpoints(nil)...)
	}

	e, err := transport.NewEngine(transport.Config{NodeName: name, Registry: reg, Logger: c.logger})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, eps
}

func (c *cluster) storageNode(t *testing.T, name string, capacity uint64) (*storage.Node, *transport.Engine) {
	t.Helper()
	e, eps := c.engine(t, name, true)
	return c.storageNodeOn(t, e, eps, capacity), e
}

func (c *cluster) storageNodeOn(t *testing.T, e *transport.Engine, eps []topology.Endpoint, capacity uint64) *storage.Node {
	t.Helper()
	n, err := storage.New(storage.Config{
		Name:              e.NodeName(),
		Capacity:          capacity,
		Location:          "cpu:0",
		KeepAliveInterval: time.Hour,
		Master:            rpc.NewClient(c.url, ""),
		Engine:            e,
		Endpoints:         eps,
		Logger:            c.logger,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func (c *cluster) client(t *testing.T, e *transport.Engine) *Client {
	t.Helper()
	cl, err := New(Config{
		Master:          rpc.NewClient(c.url, ""),
		Engine:          e,
		Location:        "cpu:0",
		TransferTimeout: 5 * time.Second,
		Logger:          c.logger,
	})
	require.NoError(t, err)
	return cl
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestPutGet(t *testing.T) {
	for _, withRDMA := range []bool{false, true} {
		name := "tcp"
		if withRDMA {
			name = "rdma"
		}
		t.Run(name, func(t *testing.T) {
			c := newCluster(t, withRDMA)
			c.storageNode(t, "node-a", 1<<20)
			c.storageNode(t, "node-b", 1<<20)
			e, _ := c.engine(t, "client", false)
			cl := c.client(t, e)
			ctx := context.Background()

			data := randomBytes(t, 100<<10)
			require.NoError(t, cl.Put(ctx, "obj", data, PutOptions{ReplicaCount: 2, SliceSize: 32 << 10}))

			exists, err := cl.Exists(ctx, "obj")
			require.NoError(t, err)
			assert.True(t, exists)

			replicas, err := c.svc.GetReplicaList(ctx, "obj", "")
			require.NoError(t, err)
			require.Len(t, replicas, 2)
			assert.NotEqual(t, replicas[0].NodeName, replicas[1].NodeName)

			buf := make([]byte, len(data)+10)
			n, err := cl.Get(ctx, "obj", buf)
			require.NoError(t, err)
			assert.Equal(t, len(data), n)
			assert.Equal(t, data, buf[:n])

			require.NoError(t, cl.Remove(ctx, "obj"))
			exists, err = cl.Exists(ctx, "obj")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestEveryReplicaHoldsTheObject(t *testing.T) {
	c := newCluster(t, false)
	nodes := map[string]*storage.Node{}
	for _, name := range []string{"node-a", "node-b", "node-c"} {
		nodes[name], _ = c.storageNode(t, name, 1<<20)
	}
	e, _ := c.engine(t, "client", false)
	cl := c.client(t, e)
	ctx := context.Background()

	data := randomBytes(t, 4096)
	require.NoError(t, cl.Put(ctx, "obj", data, PutOptions{ReplicaCount: 3}))

	replicas, err := c.svc.GetReplicaList(ctx, "obj", "")
	require.NoError(t, err)
	require.Len(t, replicas, 3)
	for _, r := range replicas {
		seg := nodes[r.NodeName].Bytes()
		assert.Equal(t, data, seg[r.Offset:r.Offset+r.Length], "replica on %s", r.NodeName)
	}
}

func TestPutColocated(t *testing.T) {
	c := newCluster(t, false)
	e, eps := c.engine(t, "node-a", true)
	n := c.storageNodeOn(t, e, eps, 1<<20)
	cl := c.client(t, e)
	ctx := context.Background()

	data := randomBytes(t, 1000)
	require.NoError(t, cl.Put(ctx, "obj", data, PutOptions{}))

	replicas, err := c.svc.GetReplicaList(ctx, "obj", "")
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.Equal(t, "node-a", replicas[0].NodeName)
	r := replicas[0]
	assert.Equal(t, data, n.Bytes()[r.Offset:r.Offset+r.Length])

	buf := make([]byte, len(data))
	got, err := cl.Get(ctx, "obj", buf)
	require.NoError(t, err)
	assert.Equal(t, len(data), got)
	assert.Equal(t, data, buf)
}

func TestGetSurvivesLostReplica(t *testing.T) {
	c := newCluster(t, false)
	_, ea := c.storageNode(t, "node-a", 1<<20)
	c.storageNode(t, "node-b", 1<<20)
	e, _ := c.engine(t, "client", false)
	cl := c.client(t, e)
	ctx := context.Background()

	data := randomBytes(t, 8192)
	require.NoError(t, cl.Put(ctx, "obj", data, PutOptions{ReplicaCount: 2}))

	// node-a stops serving but its segment stays mounted.
	require.NoError(t, ea.Close())

	buf := make([]byte, len(data))
	n, err := cl.Get(ctx, "obj", buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf[:n])
}

func TestRefreshSegmentsForgetsUnmountedSegments(t *testing.T) {
	c := newCluster(t, false)
	na, _ := c.storageNode(t, "node-a", 1<<20)
	nb, _ := c.storageNode(t, "node-b", 1<<20)
	e, _ := c.engine(t, "client", false)
	cl := c.client(t, e)
	ctx := context.Background()

	require.NoError(t, cl.RefreshSegments(ctx))
	segA := transport.Handle(na.Segment().ID)
	segB := transport.Handle(nb.Segment().ID)
	_, ok := e.Remote(segB)
	require.True(t, ok)
	require.NotEmpty(t, e.Resolver().Endpoints("node-b"))

	require.NoError(t, nb.Close())
	require.NoError(t, cl.RefreshSegments(ctx))

	_, ok = e.Remote(segB)
	assert.False(t, ok, "unmounted segment is forgotten")
	assert.Empty(t, e.Resolver().Endpoints("node-b"))

	_, ok = e.Remote(segA)
	assert.True(t, ok)
	assert.NotEmpty(t, e.Resolver().Endpoints("node-a"))

	data := randomBytes(t, 4096)
	require.NoError(t, cl.Put(ctx, "obj", data, PutOptions{ReplicaCount: 1}))
	buf := make([]byte, len(data))
	n, err := cl.Get(ctx, "obj", buf)
	require.NoError(t, err)
	assert.Equal(t, data, buf[:n])
}

func TestPutRevokesOnFailedWrite(t *testing.T) {
	c := newCluster(t, false)
	e, _ := c.engine(t, "node-a", true)
	// Publish an endpoint nothing listens on.
	c.storageNodeOn(t, e, []topology.Endpoint{
		{Address: "127.0.0.1:1", Transport: topology.TransportTCP},
	}, 1<<20)
	ce, _ := c.engine(t, "client", false)
	cl := c.client(t, ce)
	ctx := context.Background()

	err := cl.Put(ctx, "obj", randomBytes(t, 512), PutOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrUnreachableDestination)

	assert.Zero(t, c.svc.Stats().Keys, "pending write was revoked")
	assert.Zero(t, c.svc.Stats().Allocated)
}

func TestGetErrors(t *testing.T) {
	c := newCluster(t, false)
	c.storageNode(t, "node-a", 1<<20)
	e, _ := c.engine(t, "client", false)
	cl := c.client(t, e)
	ctx := context.Background()

	_, err := cl.Get(ctx, "missing", make([]byte, 10))
	assert.ErrorIs(t, err, master.ErrKeyNotFound)

	require.NoError(t, cl.Put(ctx, "obj", randomBytes(t, 100), PutOptions{}))
	n, err := cl.Get(ctx, "obj", make([]byte, 10))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
	assert.Equal(t, 100, n)

	assert.ErrorIs(t, cl.Put(ctx, "empty", nil, PutOptions{}), ErrEmptyObject)
}

func TestPutOutOfSpace(t *testing.T) {
	c := newCluster(t, false)
	c.storageNode(t, "node-a", 1<<20)
	e, _ := c.engine(t, "client", false)
	cl := c.client(t, e)

	err := cl.Put(context.Background(), "obj", randomBytes(t, 100), PutOptions{ReplicaCount: 2})
	assert.ErrorIs(t, err, master.ErrOutOfSpace)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSliceLengths(t *testing.T) {
	tests := []struct {
		size, slice int
		want        []uint64
	}{
		{100, 0, []uint64{100}},
		{100, 100, []uint64{100}},
		{100, 200, []uint64{100}},
		{100, 40, []uint64{40, 40, 20}},
		{96, 32, []uint64{32, 32, 32}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sliceLengths(tt.size, tt.slice), "size %d slice %d", tt.size, tt.slice)
	}
}
