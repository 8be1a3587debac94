package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dramcache/dramcache/pkg/proto"
)

const (
	keepAliveReadTimeout  = 90 * time.Second
	keepAliveWriteTimeout = 10 * time.Second
)

// handleKeepAlive serves one node's keepalive stream. Each KeepAlive is
// answered with an ack; a node the master no longer knows receives
// NODE_NOT_FOUND and is expected to mount its segments again.
func (s *Server) handleKeepAlive(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("keepalive websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(keepAliveReadTimeout))
		return nil
	})

	var node string
	for {
		_ = conn.SetReadDeadline(time.Now().Add(keepAliveReadTimeout))
		var msg proto.KeepAlive
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug().Err(err).Str("node", node).Msg("keepalive read error")
			}
			return
		}
		if msg.Node != node {
			node = msg.Node
			s.logger.Info().Str("node", node).Msg("keepalive stream established")
		}

		ack := proto.KeepAliveAck{OK: true}
		if err := s.svc.KeepAlive(msg.Node); err != nil {
			code, _ := errorCode(err)
			ack = proto.KeepAliveAck{Code: code, Error: err.Error()}
		}

		_ = conn.SetWriteDeadline(time.Now().Add(keepAliveWriteTimeout))
		if err := conn.WriteJSON(ack); err != nil {
			s.logger.Debug().Err(err).Str("node", node).Msg("keepalive write error")
			return
		}
	}
}

// KeepAliveConn is a node's side of the keepalive stream.
type KeepAliveConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialKeepAlive opens the keepalive stream.
func (c *Client) DialKeepAlive(ctx context.Context) (*KeepAliveConn, error) {
	wsURL, err := httpToWSURL(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("convert URL: %w", err)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 30 * time.Second,
	}
	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL+"/v1/keepalive", headers)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, parseError(resp)
		}
		return nil, fmt.Errorf("%w: keepalive connection failed: %w", ErrUnavailable, err)
	}
	return &KeepAliveConn{conn: conn}, nil
}

// Send reports node as alive and waits for the ack. The returned error
// matches master.ErrNodeNotFound when the master has dropped the node.
func (k *KeepAliveConn) Send(node string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_ = k.conn.SetWriteDeadline(time.Now().Add(keepAliveWriteTimeout))
	if err := k.conn.WriteJSON(proto.KeepAlive{Node: node, Sent: time.Now().UTC()}); err != nil {
		return fmt.Errorf("send keepalive: %w", err)
	}

	_ = k.conn.SetReadDeadline(time.Now().Add(keepAliveWriteTimeout))
	var ack proto.KeepAliveAck
	if err := k.conn.ReadJSON(&ack); err != nil {
		return fmt.Errorf("read keepalive ack: %w", err)
	}
	if !ack.OK {
		return codeError(ack.Code, ack.Error)
	}
	return nil
}

// Close closes the stream.
func (k *KeepAliveConn) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	_ = k.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return k.conn.Close()
}

func httpToWSURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}

	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}

	return strings.TrimSuffix(u.String(), "/"), nil
}

// drain discards what is left of a response body so the connection can be
// reused.
func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
}
