package rpc

import (
	"fmt"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/metadata"
	"github.com/dramcache/dramcache/internal/topology"
	"github.com/dramcache/dramcache/pkg/proto"
)

func replicaToProto(r metadata.Replica) proto.Replica {
	return proto.Replica{
		ID:        r.ID,
		SegmentID: r.SegmentID,
		NodeName:  r.NodeName,
		Offset:    r.Offset,
		Length:    r.Length,
		Status:    r.Status.String(),
		Type:      r.Type.String(),
	}
}

func replicasToProto(rs []metadata.Replica) []proto.Replica {
	out := make([]proto.Replica, len(rs))
	for i, r := range rs {
		out[i] = replicaToProto(r)
	}
	return out
}

func replicaFromProto(r proto.Replica) (metadata.Replica, error) {
	out := metadata.Replica{
		ID:        r.ID,
		SegmentID: r.SegmentID,
		NodeName:  r.NodeName,
		Offset:    r.Offset,
		Length:    r.Length,
	}
	switch r.Status {
	case proto.ReplicaPending:
		out.Status = metadata.ReplicaPending
	case proto.ReplicaComplete:
		out.Status = metadata.ReplicaComplete
	default:
		return out, fmt.Errorf("unknown replica status %q", r.Status)
	}
	t, err := replicaTypeFromProto(r.Type)
	if err != nil {
		return out, err
	}
	out.Type = t
	return out, nil
}

func replicasFromProto(rs []proto.Replica) ([]metadata.Replica, error) {
	out := make([]metadata.Replica, len(rs))
	for i, r := range rs {
		var err error
		if out[i], err = replicaFromProto(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// replicaTypeFromProto treats an empty type as memory.
func replicaTypeFromProto(s string) (metadata.ReplicaType, error) {
	switch s {
	case "", proto.ReplicaMemory:
		return metadata.ReplicaMemory, nil
	case proto.ReplicaDisk:
		return metadata.ReplicaDisk, nil
	default:
		return 0, fmt.Errorf("unknown replica type %q", s)
	}
}

func endpointsToProto(eps []topology.Endpoint) []proto.Endpoint {
	if len(eps) == 0 {
		return nil
	}
	out := make([]proto.Endpoint, len(eps))
	for i, ep := range eps {
		out[i] = proto.Endpoint(ep)
	}
	return out
}

func endpointsFromProto(eps []proto.Endpoint) []topology.Endpoint {
	if len(eps) == 0 {
		return nil
	}
	out := make([]topology.Endpoint, len(eps))
	for i, ep := range eps {
		out[i] = topology.Endpoint(ep)
	}
	return out
}

func segmentToProto(s master.Segment) proto.Segment {
	return proto.Segment{
		ID:        s.ID,
		NodeName:  s.NodeName,
		Capacity:  s.Capacity,
		Location:  s.Location,
		Endpoints: endpointsToProto(s.Endpoints),
	}
}

func segmentFromProto(s proto.Segment) master.Segment {
	return master.Segment{
		ID:        s.ID,
		NodeName:  s.NodeName,
		Capacity:  s.Capacity,
		Location:  s.Location,
		Endpoints: endpointsFromProto(s.Endpoints),
	}
}

func segmentStatusToProto(s master.SegmentStatus) proto.SegmentStatus {
	return proto.SegmentStatus{
		Segment:   segmentToProto(s.Segment),
		Allocated: s.Allocated,
		Keys:      s.Keys,
		MountedAt: s.MountedAt,
	}
}

func segmentStatusFromProto(s proto.SegmentStatus) master.SegmentStatus {
	return master.SegmentStatus{
		Segment:   segmentFromProto(s.Segment),
		Allocated: s.Allocated,
		Keys:      s.Keys,
		MountedAt: s.MountedAt,
	}
}

func statsToProto(s master.Stats) proto.StatsResponse {
	return proto.StatsResponse(s)
}

func statsFromProto(s proto.StatsResponse) master.Stats {
	return master.Stats(s)
}
