// Package rpc exposes the master service over HTTP and provides the typed
// client storage nodes and object clients use to reach it.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dramcache/dramcache/internal/auth"
	"github.com/dramcache/dramcache/internal/logging/audit"
	"github.com/dramcache/dramcache/internal/master"
	"github.com/dramcache/dramcache/internal/metrics"
	"github.com/dramcache/dramcache/internal/tracing"
	"github.com/dramcache/dramcache/pkg/proto"
)

// DefaultRequestTimeout bounds every non-streaming request.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxBodyBytes caps decoded request bodies.
const DefaultMaxBodyBytes = 4 << 20

// ServerConfig holds RPC server settings.
type ServerConfig struct {
	// Secret enables bearer token auth on /v1 when set.
	Secret         string
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	// Tracer serves /debug/trace when set.
	Tracer *tracing.Recorder
	Logger zerolog.Logger
}

// Server serves the master API.
type Server struct {
	svc      *master.Service
	cfg      ServerConfig
	logger   zerolog.Logger
	router   chi.Router
	upgrader websocket.Upgrader

	httpSrv *http.Server
	audit   *audit.Logger
}

type subjectKey struct{}

// subject returns the token subject of an authenticated request.
func subject(r *http.Request) string {
	sub, _ := r.Context().Value(subjectKey{}).(string)
	return sub
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewServer creates a server for svc.
func NewServer(svc *master.Service, cfg ServerConfig) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "rpc").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // Nodes are not browsers
			},
		},
	}
	s.audit = audit.NewLogger(s.logger)
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	if s.cfg.Tracer != nil {
		r.Handle("/debug/trace", s.cfg.Tracer.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.withAuth)

		// The keepalive stream outlives any request timeout.
		r.Get("/keepalive", s.handleKeepAlive)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.cfg.RequestTimeout))

			r.Post("/put/start", s.handlePutStart)
			r.Post("/put/end", s.handlePutEnd)
			r.Post("/put/revoke", s.handlePutRevoke)

			r.Get("/replicas/{key}", s.handleGetReplicaList)
			r.Post("/replicas/batch", s.handleBatchGetReplicaList)
			r.Get("/exists/{key}", s.handleExists)

			r.Delete("/keys/{key}", s.handleRemove)
			r.Delete("/keys", s.handleRemoveAll)

			r.Get("/segments", s.handleListSegments)
			r.Post("/segments", s.handleMountSegment)
			r.Delete("/segments/{id}", s.handleUnmountSegment)

			r.Get("/stats", s.handleStats)
		})
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("listen", ln.Addr().String()).Msg("starting master rpc server")
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on addr and serves until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("rpc request")
	})
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.Secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.deny(w, r, "missing authorization header")
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			s.deny(w, r, "invalid authorization header")
			return
		}

		sub, err := auth.Verify(s.cfg.Secret, parts[1])
		if err != nil {
			s.deny(w, r, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}

func (s *Server) deny(w http.ResponseWriter, r *http.Request, reason string) {
	s.audit.LogAuth("", audit.ResultDenied, reason, sourceIP(r))
	s.writeError(w, ErrUnauthorized, reason)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error, message string) {
	code, status := errorCode(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("master request failed")
	}
	s.writeJSON(w, status, proto.ErrorResponse{Code: code, Message: message})
}

// fail writes err using its own text as the message.
func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeError(w, err, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSON(w, http.StatusRequestEntityTooLarge, proto.ErrorResponse{
				Code:    proto.CodeInvalidArgument,
				Message: "request body too large",
			})
			return false
		}
		s.writeError(w, master.ErrInvalidArgument, "invalid request body")
		return false
	}
	return true
}

// pathParam returns a URL parameter, unescaping it when the router matched
// against the raw path. Keys may contain slashes.
func pathParam(r *http.Request, name string) (string, error) {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

func (s *Server) keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := pathParam(r, "key")
	if err != nil || key == "" {
		s.writeError(w, master.ErrInvalidArgument, "invalid key")
		return "", false
	}
	return key, true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.svc.Closed() {
		s.writeJSON(w, http.StatusServiceUnavailable, proto.HealthResponse{Status: "closed"})
		return
	}
	s.writeJSON(w, http.StatusOK, proto.HealthResponse{Status: "ok"})
}

func (s *Server) handlePutStart(w http.ResponseWriter, r *http.Request) {
	var req proto.PutStartRequest
	if !s.decode(w, r, &req) {
		return
	}

	replicas, err := s.svc.PutStart(r.Context(), req.Key, req.SliceLengths, master.ReplicateConfig{
		ReplicaCount:  req.ReplicaCount,
		SoftPin:       req.SoftPin,
		PreferredNode: req.PreferredNode,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proto.PutStartResponse{Replicas: replicasToProto(replicas)})
}

func (s *Server) handlePutEnd(w http.ResponseWriter, r *http.Request) {
	var req proto.PutEndRequest
	if !s.decode(w, r, &req) {
		return
	}
	typ, err := replicaTypeFromProto(req.ReplicaType)
	if err != nil {
		s.writeError(w, master.ErrInvalidArgument, err.Error())
		return
	}

	if err := s.svc.PutEnd(r.Context(), req.Key, typ); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutRevoke(w http.ResponseWriter, r *http.Request) {
	var req proto.PutRevokeRequest
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.svc.PutRevoke(r.Context(), req.Key); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetReplicaList(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	replicas, err := s.svc.GetReplicaList(r.Context(), key, r.URL.Query().Get("requester"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proto.ReplicaListResponse{Key: key, Replicas: replicasToProto(replicas)})
}

func (s *Server) handleBatchGetReplicaList(w http.ResponseWriter, r *http.Request) {
	var req proto.BatchReplicaListRequest
	if !s.decode(w, r, &req) {
		return
	}

	found, err := s.svc.BatchGetReplicaList(r.Context(), req.Keys, req.Requester)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := proto.BatchReplicaListResponse{Replicas: make(map[string][]proto.Replica, len(found))}
	for key, replicas := range found {
		resp.Replicas[key] = replicasToProto(replicas)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	exists, err := s.svc.ExistKey(r.Context(), key)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proto.ExistsResponse{Key: key, Exists: exists})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key, ok := s.keyParam(w, r)
	if !ok {
		return
	}

	if err := s.svc.Remove(r.Context(), key); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RemoveAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.audit.LogRemoveAll(subject(r), n, sourceIP(r))
	s.writeJSON(w, http.StatusOK, proto.RemoveAllResponse{Removed: n})
}

func (s *Server) handleListSegments(w http.ResponseWriter, _ *http.Request) {
	segs := s.svc.ListSegments()
	resp := proto.SegmentListResponse{Segments: make([]proto.SegmentStatus, len(segs))}
	for i, seg := range segs {
		resp.Segments[i] = segmentStatusToProto(seg)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMountSegment(w http.ResponseWriter, r *http.Request) {
	var req proto.Segment
	if !s.decode(w, r, &req) {
		return
	}

	if err := s.svc.MountSegment(r.Context(), segmentFromProto(req)); err != nil {
		s.audit.LogSegment(subject(r), "mount", req.ID, req.NodeName, audit.ResultFailed, err.Error(), sourceIP(r))
		s.fail(w, err)
		return
	}
	s.audit.LogSegment(subject(r), "mount", req.ID, req.NodeName, audit.ResultOK, "", sourceIP(r))
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleUnmountSegment(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil || id == "" {
		s.writeError(w, master.ErrInvalidArgument, "invalid segment id")
		return
	}

	if err := s.svc.UnmountSegment(r.Context(), id); err != nil {
		s.audit.LogSegment(subject(r), "unmount", id, "", audit.ResultFailed, err.Error(), sourceIP(r))
		s.fail(w, err)
		return
	}
	s.audit.LogSegment(subject(r), "unmount", id, "", audit.ResultOK, "", sourceIP(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, statsToProto(s.svc.Stats()))
}
