package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/metadata"
	"github.com/dramcache/dramcache/pkg/proto"
)

// Client is a typed client for the master API. Errors returned by the
// master match the master package sentinels with errors.Is.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a client for the master at baseURL. token is sent as a
// bearer token when set.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client: &http.Client{
			Timeout: DefaultRequestTimeout + 5*time.Second,
		},
	}
}

// BaseURL returns the base URL of the master.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloseIdleConnections closes idle connections in the HTTP client pool.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

// PutStart reserves replicas for key.
func (c *Client) PutStart(ctx context.Context, key string, sliceLengths []uint64, cfg master.ReplicateConfig) ([]metadata.Replica, error) {
	req := proto.PutStartRequest{
		Key:           key,
		SliceLengths:  sliceLengths,
		ReplicaCount:  cfg.ReplicaCount,
		SoftPin:       cfg.SoftPin,
		PreferredNode: cfg.PreferredNode,
	}
	var resp proto.PutStartResponse
	if err := c.do(ctx, http.MethodPost, "/v1/put/start", req, &resp); err != nil {
		return nil, err
	}
	return replicasFromProto(resp.Replicas)
}

// PutEnd commits key.
func (c *Client) PutEnd(ctx context.Context, key string, replicaType metadata.ReplicaType) error {
	return c.do(ctx, http.MethodPost, "/v1/put/end", proto.PutEndRequest{Key: key, ReplicaType: replicaType.String()}, nil)
}

// PutRevoke abandons a pending write of key.
func (c *Client) PutRevoke(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, "/v1/put/revoke", proto.PutRevokeRequest{Key: key}, nil)
}

// GetReplicaList returns the readable replicas of key, those on requester
// first.
func (c *Client) GetReplicaList(ctx context.Context, key, requester string) ([]metadata.Replica, error) {
	path := "/v1/replicas/" + url.PathEscape(key)
	if requester != "" {
		path += "?requester=" + url.QueryEscape(requester)
	}
	var resp proto.ReplicaListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return replicasFromProto(resp.Replicas)
}

// BatchGetReplicaList returns the replicas of every found key.
func (c *Client) BatchGetReplicaList(ctx context.Context, keys []string, requester string) (map[string][]metadata.Replica, error) {
	var resp proto.BatchReplicaListResponse
	req := proto.BatchReplicaListRequest{Keys: keys, Requester: requester}
	if err := c.do(ctx, http.MethodPost, "/v1/replicas/batch", req, &resp); err != nil {
		return nil, err
	}
	out := make(map[string][]metadata.Replica, len(resp.Replicas))
	for key, rs := range resp.Replicas {
		replicas, err := replicasFromProto(rs)
		if err != nil {
			return nil, err
		}
		out[key] = replicas
	}
	return out, nil
}

// ExistKey reports whether key is committed.
func (c *Client) ExistKey(ctx context.Context, key string) (bool, error) {
	var resp proto.ExistsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/exists/"+url.PathEscape(key), nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Remove deletes key.
func (c *Client) Remove(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/v1/keys/"+url.PathEscape(key), nil, nil)
}

// RemoveAll deletes every committed key and returns how many were removed.
func (c *Client) RemoveAll(ctx context.Context) (int, error) {
	var resp proto.RemoveAllResponse
	if err := c.do(ctx, http.MethodDelete, "/v1/keys", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// MountSegment publishes a storage segment.
func (c *Client) MountSegment(ctx context.Context, seg master.Segment) error {
	return c.do(ctx, http.MethodPost, "/v1/segments", segmentToProto(seg), nil)
}

// UnmountSegment withdraws a storage segment.
func (c *Client) UnmountSegment(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/segments/"+url.PathEscape(id), nil, nil)
}

// ListSegments returns the mounted segments.
func (c *Client) ListSegments(ctx context.Context) ([]master.SegmentStatus, error) {
	var resp proto.SegmentListResponse
	if err := c.do(ctx, http.MethodGet, "/v1/segments", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]master.SegmentStatus, len(resp.Segments))
	for i, s := range resp.Segments {
		out[i] = segmentStatusFromProto(s)
	}
	return out, nil
}

// Stats returns a snapshot of the master.
func (c *Client) Stats(ctx context.Context) (master.Stats, error) {
	var resp proto.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &resp); err != nil {
		return master.Stats{}, err
	}
	return statsFromProto(resp), nil
}

// Health checks that the master is serving.
func (c *Client) Health(ctx context.Context) error {
	var resp proto.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}
	return nil
}

// do sends body as JSON and decodes a 2xx reply into out when out is set.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer func() {
		drain(resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var errResp proto.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		return codeError(errResp.Code, errResp.Message)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return fmt.Errorf("%w: %s", ErrUnavailable, strings.TrimSpace(string(body)))
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// IsRetryable reports whether err is a transport-level failure rather than
// an answer from the master.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
