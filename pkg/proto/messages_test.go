package proto

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutStartRequestJSON(t *testing.T) {
	req := PutStartRequest{Key: "abc", SliceLengths: []uint64{64, 64}, ReplicaCount: 2}

	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"abc","slice_lengths":[64,64],"replica_count":2}`, string(data))
}

func TestSegmentStatusFlattensSegment(t *testing.T) {
	st := SegmentStatus{
		Segment: Segment{
			ID:       "seg-1",
			NodeName: "node-1",
			Capacity: 1 << 20,
			Endpoints: []Endpoint{
				{Address: "10.0.0.1:7000", Transport: "tcp"},
			},
		},
		Allocated: 4096,
		Keys:      3,
		MountedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	data, err := json.Marshal(st)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "seg-1", raw["id"])
	assert.Equal(t, "node-1", raw["node_name"])
	assert.Equal(t, float64(4096), raw["allocated"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["mounted_at"])
	assert.NotContains(t, raw, "Segment")

	var back SegmentStatus
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, st, back)
}

func TestErrorResponseJSON(t *testing.T) {
	data, err := json.Marshal(ErrorResponse{Code: CodeOutOfSpace, Message: "no segment fits"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"code":"OUT_OF_SPACE","message":"no segment fits"}`, string(data))
}

func TestKeepAliveAckOmitsEmpty(t *testing.T) {
	data, err := json.Marshal(KeepAliveAck{OK: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))

	data, err = json.Marshal(KeepAliveAck{Code: CodeNodeNotFound, Error: "node-1 unknown"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":false,"code":"NODE_NOT_FOUND","error":"node-1 unknown"}`, string(data))
}
