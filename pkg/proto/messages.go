// Package proto defines the JSON messages exchanged between dramcache
// clients, storage nodes and the master.
package proto

import "time"

// ErrorCode is the stable wire name of an error.
type ErrorCode string

const (
	CodeKeyNotFound       ErrorCode = "KEY_NOT_FOUND"
	CodeKeyAlreadyExists  ErrorCode = "KEY_ALREADY_EXISTS"
	CodeOutOfSpace        ErrorCode = "OUT_OF_SPACE"
	CodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	CodeInvalidWriteState ErrorCode = "INVALID_WRITE_STATE"
	CodeSegmentNotFound   ErrorCode = "SEGMENT_NOT_FOUND"
	CodeSegmentExists     ErrorCode = "SEGMENT_EXISTS"
	CodeNodeNotFound      ErrorCode = "NODE_NOT_FOUND"
	CodeUnauthorized      ErrorCode = "UNAUTHORIZED"
	CodeUnavailable       ErrorCode = "UNAVAILABLE"
	CodeInternal          ErrorCode = "INTERNAL"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Replica status and type names.
const (
	ReplicaPending  = "pending"
	ReplicaComplete = "complete"

	ReplicaMemory = "memory"
	ReplicaDisk   = "disk"
)

// Replica locates one copy of an object: Length bytes at Offset inside
// segment SegmentID on node NodeName.
type Replica struct {
	ID        string `json:"id"`
	SegmentID string `json:"segment_id"`
	NodeName  string `json:"node_name"`
	Offset    uint64 `json:"offset"`
	Length    uint64 `json:"length"`
	Status    string `json:"status"`
	Type      string `json:"type"`
}

// Endpoint is one address a storage node serves its segments on.
type Endpoint struct {
	Interface string `json:"interface,omitempty"`
	Address   string `json:"address"`
	Transport string `json:"transport"`
	Location  string `json:"location,omitempty"`
}

// Segment is a storage node's DRAM region as published to the cluster.
// ID doubles as the transfer handle of the region.
type Segment struct {
	ID        string     `json:"id"`
	NodeName  string     `json:"node_name"`
	Capacity  uint64     `json:"capacity"`
	Location  string     `json:"location,omitempty"`
	Endpoints []Endpoint `json:"endpoints,omitempty"`
}

// SegmentStatus is a mounted segment with its usage.
type SegmentStatus struct {
	Segment
	Allocated uint64    `json:"allocated"`
	Keys      int       `json:"keys"`
	MountedAt time.Time `json:"mounted_at"`
}

// SegmentListResponse lists mounted segments.
type SegmentListResponse struct {
	Segments []SegmentStatus `json:"segments"`
}

// PutStartRequest reserves space for an object.
type PutStartRequest struct {
	Key           string   `json:"key"`
	SliceLengths  []uint64 `json:"slice_lengths"`
	ReplicaCount  int      `json:"replica_count"`
	SoftPin       bool     `json:"soft_pin,omitempty"`
	PreferredNode string   `json:"preferred_node,omitempty"`
}

// PutStartResponse carries the allocated replicas.
type PutStartResponse struct {
	Replicas []Replica `json:"replicas"`
}

// PutEndRequest commits a pending object.
type PutEndRequest struct {
	Key         string `json:"key"`
	ReplicaType string `json:"replica_type,omitempty"`
}

// PutRevokeRequest abandons a pending object.
type PutRevokeRequest struct {
	Key string `json:"key"`
}

// ReplicaListResponse is the readable replicas of one key.
type ReplicaListResponse struct {
	Key      string    `json:"key"`
	Replicas []Replica `json:"replicas"`
}

// BatchReplicaListRequest asks for the replicas of several keys.
type BatchReplicaListRequest struct {
	Keys      []string `json:"keys"`
	Requester string   `json:"requester,omitempty"`
}

// BatchReplicaListResponse holds found keys only.
type BatchReplicaListResponse struct {
	Replicas map[string][]Replica `json:"replicas"`
}

// ExistsResponse reports whether a committed key exists.
type ExistsResponse struct {
	Key    string `json:"key"`
	Exists bool   `json:"exists"`
}

// RemoveAllResponse reports how many keys were removed.
type RemoveAllResponse struct {
	Removed int `json:"removed"`
}

// StatsResponse is a snapshot of master state.
type StatsResponse struct {
	Keys           int     `json:"keys"`
	CommittedKeys  int     `json:"committed_keys"`
	CommittedBytes uint64  `json:"committed_bytes"`
	Capacity       uint64  `json:"capacity"`
	Allocated      uint64  `json:"allocated"`
	FreeRatio      float64 `json:"free_ratio"`
	Segments       int     `json:"segments"`
	Nodes          int     `json:"nodes"`
}

// KeepAlive is sent by a storage node over the keepalive websocket.
type KeepAlive struct {
	Node string    `json:"node"`
	Sent time.Time `json:"sent"`
}

// KeepAliveAck answers a KeepAlive. A node that receives CodeNodeNotFound
// must mount its segments again.
type KeepAliveAck struct {
	OK    bool      `json:"ok"`
	Code  ErrorCode `json:"code,omitempty"`
	Error string    `json:"error,omitempty"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
