// Package intake receives the gateway's reverse-HTTP event pushes and queues
// them for single-threaded dispatch.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"repeatbot/internal/transport"
	logx "repeatbot/pkg/logx"
)

type Config struct {
	Addr  string
	Token string // optional; when set, pushes must carry "Authorization: Bearer <token>"
}

const (
	defaultAddr = "127.0.0.1:4998"
	maxBody     = 1 << 20 // events are small; anything bigger is garbage
)

// Inbound is one queued gateway push.
type Inbound struct {
	ID     string
	At     time.Time
	Record transport.Record
}

type Server struct {
	cfg Config
	log logx.Logger

	out chan Inbound
	srv *http.Server
}

func New(cfg Config, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		cfg: cfg,
		log: log,
		out: make(chan Inbound, 256),
	}
}

// Events is the queue of decoded pushes. Closed never; drained by the dispatcher.
func (s *Server) Events() <-chan Inbound { return s.out }

// Start begins serving in a background goroutine and returns once the
// listener is bound (so startup failures surface immediately).
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handlePush)

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("intake server stopped", logx.Err(err))
		}
	}()

	s.log.Info("intake listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if tok := strings.TrimSpace(s.cfg.Token); tok != "" {
		if r.Header.Get("Authorization") != "Bearer "+tok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	if len(body) > maxBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var rec transport.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		s.log.Debug("intake: invalid event body", logx.Err(err))
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	in := Inbound{ID: uuid.NewString(), At: time.Now(), Record: rec}
	select {
	case s.out <- in:
	default:
		// Queue full: shed load rather than stall the gateway's push loop.
		s.log.Warn("intake queue full; event dropped", logx.String("event_id", in.ID))
	}

	w.WriteHeader(http.StatusNoContent)
}
