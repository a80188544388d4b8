// Package httprpc carries connection manager procedures over HTTP. Each
// procedure is a POST to /rpc/{procedure} with an octet-stream body; the
// response body is the handler's reply.
package httprpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/rocketbitz/verbs-go/cm"
)

const (
	contentType     = "application/octet-stream"
	headerRequestID = "X-Request-Id"
	rpcPath         = "/rpc/"

	// MaxPayload bounds request and response bodies.
	MaxPayload = 64 << 10

	shutdownTimeout = 5 * time.Second
)

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithLogger sets the logger used for request errors.
func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server serves bound procedures over HTTP. It implements cm.Server.
type Server struct {
	ln  net.Listener
	srv *http.Server
	log *zap.Logger

	mu       sync.RWMutex
	handlers map[cm.Procedure]cm.Handler

	stopOnce sync.Once
	stopped  chan struct{}
}

var _ cm.Server = (*Server)(nil)

// Listen binds addr immediately so Addr is valid before Run.
func Listen(addr string, opts ...ServerOption) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		log:      zap.L(),
		handlers: make(map[cm.Procedure]cm.Handler),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("addr", ln.Addr().String()))
	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Listener adapts Listen to cm.ListenFunc.
func Listener(opts ...ServerOption) cm.ListenFunc {
	return func(addr string) (cm.Server, error) {
		return Listen(addr, opts...)
	}
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	})
	r.Post(rpcPath+"{procedure}", s.serveRPC)
	return r
}

// Bind registers h for proc, replacing any earlier handler.
func (s *Server) Bind(proc cm.Procedure, h cm.Handler) {
	s.mu.Lock()
	s.handlers[proc] = h
	s.mu.Unlock()
}

func (s *Server) handler(proc cm.Procedure) (cm.Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[proc]
	return h, ok
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if id := r.Header.Get(headerRequestID); id != "" {
		reqID = id
	}
	w.Header().Set(headerRequestID, reqID)

	n, err := strconv.ParseUint(chi.URLParam(r, "procedure"), 10, 32)
	if err != nil {
		http.Error(w, "invalid procedure", http.StatusBadRequest)
		return
	}
	proc := cm.Procedure(n)
	h, ok := s.handler(proc)
	if !ok {
		http.Error(w, fmt.Sprintf("%s not bound", proc), http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxPayload+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(body) > MaxPayload {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	resp, err := h(r.Context(), body)
	if err != nil {
		s.log.Warn("procedure failed", zap.Stringer("procedure", proc), zap.String("request_id", reqID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// Run serves until Stop. It returns nil after a clean stop.
func (s *Server) Run() error {
	select {
	case <-s.stopped:
		return nil
	default:
	}
	err := s.srv.Serve(s.ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the server down, waiting for in-flight calls.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = s.srv.Shutdown(ctx)
		if cerr := s.ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
			err = cerr
		}
	})
	return err
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}
