package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xiaokunge/kernel-kprobe-memleak/internal/trace"
)

// Server serves the trace stream API.
type Server struct {
	sub    *trace.Subsystem
	logger *zap.Logger
	srv    *http.Server
	lis    net.Listener
}

// New builds the server around an initialized trace subsystem.
func New(sub *trace.Subsystem, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{sub: sub, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/v1/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/trace/pipe", s.handlePipe).Methods(http.MethodGet)
	r.HandleFunc("/v1/trace/emit", s.handleEmit).Methods(http.MethodPost)
	r.HandleFunc("/v1/trace/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(sub.MetricsRegistry(), promhttp.HandlerOpts{}))

	s.srv = &http.Server{Handler: r}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("http server listening", zap.String("addr", l.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the listener.
func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handlePipe streams the merged trace text to the client. Each chunk is
// flushed as soon as a read produces it; the stream ends only when the
// client goes away. With ?nonblock=1 a single non-blocking read is served
// instead, answering 204 when the store is empty.
func (s *Server) handlePipe(w http.ResponseWriter, r *http.Request) {
	sess := s.sub.Open()
	defer sess.Close()

	buf := make([]byte, 4096)

	if r.URL.Query().Get("nonblock") != "" {
		n, err := sess.Read(r.Context(), buf, false)
		if errors.Is(err, trace.ErrWouldBlock) || (err == nil && n == 0) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write(buf[:n])
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	fl, _ := w.(http.Flusher)

	for {
		n, err := sess.Read(r.Context(), buf, true)
		if err != nil {
			// Client disconnect or shutdown; either way the
			// stream is over for this session.
			return
		}
		if n == 0 {
			continue
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return
		}
		if fl != nil {
			fl.Flush()
		}
	}
}

type emitReq struct {
	Class     string `json:"class"`
	CPU       int    `json:"cpu"`
	Timestamp uint64 `json:"timestamp"`
	Message   string `json:"message"`
}

// handleEmit writes one record through the registered class, mainly for
// smoke-testing pipelines end to end.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req emitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Class == "" {
		req.Class = trace.ClassMessage
	}
	cls := s.sub.Registry().ByName(req.Class)
	if cls == nil {
		http.Error(w, "unknown event class", http.StatusNotFound)
		return
	}
	if err := cls.Emit(req.CPU, req.Timestamp, []byte(req.Message)); err != nil {
		s.logger.Warn("emit rejected",
			zap.String("class", req.Class),
			zap.Int("cpu", req.CPU),
			zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type cpuStats struct {
	CPU   int    `json:"cpu"`
	Depth int    `json:"depth"`
	Lost  uint64 `json:"lost"`
}

type classStats struct {
	ID   uint16 `json:"id"`
	Name string `json:"name"`
}

type statsResp struct {
	Classes  []classStats `json:"classes"`
	CPUs     []cpuStats   `json:"cpus"`
	Lost     uint64       `json:"lost"`
	Sessions int64        `json:"sessions"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResp{Sessions: s.sub.OpenSessions()}
	for _, c := range s.sub.Registry().Classes() {
		resp.Classes = append(resp.Classes, classStats{ID: c.ID(), Name: c.Name()})
	}
	store := s.sub.Store()
	for cpu := 0; cpu < store.CPUs(); cpu++ {
		lost := store.Lost(cpu)
		resp.CPUs = append(resp.CPUs, cpuStats{CPU: cpu, Depth: store.Depth(cpu), Lost: lost})
		resp.Lost += lost
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
