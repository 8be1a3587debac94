package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// withFreshRegistry swaps in an empty registry for the duration of a test.
func withFreshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func findFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s not found in gathered metrics", name)
	return nil
}

func TestInitMasterMetrics(t *testing.T) {
	withFreshRegistry(t)

	m := InitMasterMetrics("test-master")
	if m == nil {
		t.Fatal("InitMasterMetrics returned nil")
	}

	tests := []struct {
		name   string
		metric interface{}
	}{
		{"PutStarts", m.PutStarts},
		{"PutEnds", m.PutEnds},
		{"PutRevokes", m.PutRevokes},
		{"Gets", m.Gets},
		{"Removes", m.Removes},
		{"CacheHits", m.CacheHits},
		{"CacheMisses", m.CacheMisses},
		{"EvictedKeys", m.EvictedKeys},
		{"EvictedBytes", m.EvictedBytes},
		{"EvictionRuns", m.EvictionRuns},
		{"LeaseExpiredKeys", m.LeaseExpiredKeys},
		{"PendingExpiredKeys", m.PendingExpiredKeys},
		{"Keys", m.Keys},
		{"CommittedKeys", m.CommittedKeys},
		{"CapacityBytes", m.CapacityBytes},
		{"AllocatedBytes", m.AllocatedBytes},
		{"MountedSegments", m.MountedSegments},
		{"LiveNodes", m.LiveNodes},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}
}

func TestMasterMetrics_CounterIncrement(t *testing.T) {
	withFreshRegistry(t)

	m := InitMasterMetrics("test-master")
	m.CacheHits.Add(3)
	m.PutStarts.WithLabelValues("ok").Inc()
	m.PutStarts.WithLabelValues("out_of_space").Inc()

	hits := findFamily(t, "dramcache_cache_hits_total")
	if got := hits.GetMetric()[0].GetCounter().GetValue(); got != 3 {
		t.Errorf("Expected CacheHits=3, got %f", got)
	}

	starts := findFamily(t, "dramcache_master_put_start_total")
	if len(starts.GetMetric()) != 2 {
		t.Errorf("Expected 2 put_start series, got %d", len(starts.GetMetric()))
	}
	for _, metric := range starts.GetMetric() {
		labels := make(map[string]string)
		for _, l := range metric.GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["master"] != "test-master" {
			t.Errorf("Expected master=test-master, got %s", labels["master"])
		}
		if labels["result"] == "" {
			t.Error("Missing result label on put_start metric")
		}
	}
}

func TestTransferMetrics_Labels(t *testing.T) {
	withFreshRegistry(t)

	m := InitTransferMetrics("node-a")
	m.BytesTransferred.WithLabelValues("rdma").Add(4096)
	m.BytesTransferred.WithLabelValues("tcp").Add(1024)
	m.BatchesInFlight.Set(2)

	bytes := findFamily(t, "dramcache_transfer_bytes_total")
	if len(bytes.GetMetric()) != 2 {
		t.Fatalf("Expected 2 backend series, got %d", len(bytes.GetMetric()))
	}
	var total float64
	for _, metric := range bytes.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 5120 {
		t.Errorf("Expected 5120 bytes total, got %f", total)
	}

	inflight := findFamily(t, "dramcache_transfer_batches_in_flight")
	if got := inflight.GetMetric()[0].GetGauge().GetValue(); got != 2 {
		t.Errorf("Expected BatchesInFlight=2, got %f", got)
	}
}
