package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/convoflow/internal/batch"
	"github.com/nextlevelbuilder/convoflow/pkg/envelope"
)

// secretHeader carries the shared webhook secret.
const secretHeader = "X-Convoflow-Secret"

// maxBodyBytes bounds webhook request bodies.
const maxBodyBytes = 256 * 1024

// WebhookServer is the HTTP ingest boundary: it authenticates webhook
// deliveries, rate limits them, dedupes redeliveries, normalizes events, and
// routes them to the accumulator. Operator events cancel the open batch
// instead of accumulating.
type WebhookServer struct {
	addr        string
	secret      string
	accumulator *batch.Accumulator
	dedupe      *DedupeCache
	normalizer  *Normalizer

	globalLimiter *rate.Limiter
	keyLimiter    *KeyRateLimiter

	httpServer *http.Server
}

// NewWebhookServer creates the ingest server. globalRPS bounds total event
// throughput across all conversations; zero or negative disables the global
// limiter.
func NewWebhookServer(addr, secret string, acc *batch.Accumulator, dedupe *DedupeCache, norm *Normalizer, globalRPS float64) *WebhookServer {
	s := &WebhookServer{
		addr:        addr,
		secret:      secret,
		accumulator: acc,
		dedupe:      dedupe,
		normalizer:  norm,
		keyLimiter:  NewKeyRateLimiter(),
	}
	if globalRPS > 0 {
		// Fractional rates would truncate to a zero burst and reject
		// everything, so keep at least one token of headroom.
		burst := int(globalRPS * 2)
		if burst < 1 {
			burst = 1
		}
		s.globalLimiter = rate.NewLimiter(rate.Limit(globalRPS), burst)
	}
	return s
}

// BuildMux registers the webhook routes.
func (s *WebhookServer) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/events", s.handleEvent)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// Start runs the HTTP server until it is shut down. Blocks.
func (s *WebhookServer) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("webhook: listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *WebhookServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *WebhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *WebhookServer) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		slog.Warn("webhook: rejected unauthenticated delivery", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if s.globalLimiter != nil && !s.globalLimiter.Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	var ev envelope.ChatEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&ev); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}

	if !s.keyLimiter.Allow(ev.ConversationKey) {
		slog.Warn("webhook: conversation rate limited", "conversation", ev.ConversationKey)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	status, err := s.process(r.Context(), &ev)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"status":%q}`, http.StatusText(status))
}

// process applies the ingest pipeline to one event and returns the HTTP
// status to ack with. Dropped and duplicate events ack 200 so the provider
// stops redelivering them. The dedupe entry only sticks once the event was
// handled; when processing fails after the duplicate check the id is
// forgotten again so a redelivery is a fresh attempt, not a suppressed one.
func (s *WebhookServer) process(ctx context.Context, ev *envelope.ChatEvent) (int, error) {
	if ev.EventID != "" && s.dedupe.Seen(ev.EventID) {
		slog.Debug("webhook: duplicate delivery ignored", "event", ev.EventID)
		return http.StatusOK, nil
	}

	norm, err := s.normalizer.Normalize(ctx, ev)
	if err != nil {
		var drop *ErrDropEvent
		if errors.As(err, &drop) {
			s.dedupe.Forget(ev.EventID)
			slog.Debug("webhook: event dropped", "event", ev.EventID, "reason", drop.Reason)
			return http.StatusOK, nil
		}
		// Malformed beyond repair. The id stays recorded so redeliveries of
		// the same broken payload are acked without reprocessing.
		return http.StatusBadRequest, err
	}

	switch norm.SenderKind {
	case envelope.SenderOperator:
		// A human stepped in. Any accumulating batch is stale from here on.
		if _, err := s.accumulator.CancelOpenBatch(ctx, norm.ConversationKey, "operator replied"); err != nil {
			s.dedupe.Forget(norm.EventID)
			slog.Error("webhook: cancel on operator reply failed",
				"conversation", norm.ConversationKey, "error", err)
			return http.StatusInternalServerError, fmt.Errorf("cancel batch: %w", err)
		}
		return http.StatusOK, nil

	case envelope.SenderBot:
		// Our own outbound echo. Nothing to accumulate.
		return http.StatusOK, nil

	default:
		err := s.accumulator.UpsertAndExtendWindow(ctx,
			norm.ConversationKey, norm.TextDelta, norm.AttachmentRefs,
			norm.EventID, norm.SenderKind)
		if err != nil {
			s.dedupe.Forget(norm.EventID)
			slog.Error("webhook: accumulate failed",
				"conversation", norm.ConversationKey, "event", norm.EventID, "error", err)
			return http.StatusInternalServerError, fmt.Errorf("accumulate event: %w", err)
		}
		return http.StatusAccepted, nil
	}
}

func (s *WebhookServer) authorized(r *http.Request) bool {
	if s.secret == "" {
		return true // dev mode, no secret configured
	}
	got := r.Header.Get(secretHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.secret)) == 1
}
