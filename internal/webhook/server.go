package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/linearbridge/internal/relay"
)

// DefaultPath is where Linear posts deliveries.
const DefaultPath = "/linear/webhook"

const maxBodyBytes = 1 << 20

// Relay processes one decoded delivery.
type Relay interface {
	HandleWebhook(ctx context.Context, ev relay.Event) (relay.Result, error)
}

// Server handles Linear webhook deliveries and health probes.
type Server struct {
	relay    Relay
	secret   []byte
	logger   *slog.Logger
	ready    func() bool
	dispatch func(func())
	now      func() time.Time

	mux        *http.ServeMux
	httpServer *http.Server
	inflight   sync.WaitGroup

	deliveries metric.Int64Counter
}

// ServerConfig holds configuration for the webhook server.
type ServerConfig struct {
	Relay  Relay
	Secret []byte // Linear webhook signing secret; empty disables verification
	Path   string // delivery path, DefaultPath when empty
	Logger *slog.Logger
	Ready  func() bool // reported by /readyz; nil means always ready

	// Dispatch runs post-acknowledgement processing. Defaults to a new
	// goroutine per delivery.
	Dispatch func(func())
}

// NewServer creates a new webhook server.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		relay:    cfg.Relay,
		secret:   cfg.Secret,
		logger:   cfg.Logger,
		ready:    cfg.Ready,
		dispatch: cfg.Dispatch,
		now:      time.Now,
		mux:      http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.ready == nil {
		s.ready = func() bool { return true }
	}
	if s.dispatch == nil {
		s.dispatch = func(fn func()) { go fn() }
	}
	s.deliveries, _ = otel.Meter("github.com/steveyegge/linearbridge/webhook").Int64Counter(
		"lbridge.webhook.deliveries",
		metric.WithDescription("Linear webhook deliveries received, by entity type"),
	)

	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}
	s.mux.HandleFunc(path, s.handleDelivery)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)

	return s
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then waits for in-flight deliveries to
// finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("webhook: shutdown with deliveries still in flight")
	}
	return err
}

// Handler returns the HTTP handler for use with custom servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// handleDelivery handles POST <path>. The response is always an empty 200
// for POST, whatever happens next.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed: use POST")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	_ = r.Body.Close()
	signature := r.Header.Get(SignatureHeader)
	w.WriteHeader(http.StatusOK)

	if err != nil {
		s.logger.Warn("webhook: failed to read body", "err", err)
		return
	}

	s.inflight.Add(1)
	s.dispatch(func() {
		defer s.inflight.Done()
		s.process(body, signature)
	})
}

// process runs after the delivery has been acknowledged, with a context that
// is independent of the finished HTTP request.
func (s *Server) process(body []byte, signature string) {
	ctx := context.Background()

	if len(s.secret) > 0 {
		if err := VerifySignature(body, signature, s.secret); err != nil {
			s.logger.Warn("webhook: dropped delivery", "reason", "signature", "err", err)
			return
		}
	}

	ev, err := relay.ParseEvent(body)
	if err != nil {
		s.logger.Warn("webhook: dropped delivery", "reason", "decode", "err", err)
		return
	}
	s.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("type", ev.Type)))

	if len(s.secret) > 0 {
		if err := CheckTimestamp(ev.WebhookTimestamp, s.now(), DefaultTimestampTolerance); err != nil {
			s.logger.Warn("webhook: dropped delivery", "reason", "timestamp", "err", err)
			return
		}
	}

	res, err := s.relay.HandleWebhook(ctx, ev)
	if err != nil {
		s.logger.Error("webhook: relay failed", "event_type", ev.Type, "action", ev.Action, "err", err)
		return
	}
	s.logger.Debug("webhook: handled", "event_type", ev.Type, "action", ev.Action, "result", res.String())
}

// handleHealth handles GET /healthz for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady handles GET /readyz.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
