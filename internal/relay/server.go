// Package relay bridges the dispatcher's HTTP outcome reports back into the
// coordinator's queue-driven world, so the dispatcher never needs access to
// the record store or the retry policy.
package relay

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/models"
	"receipt-ocr-pipeline/internal/queue"
	"receipt-ocr-pipeline/internal/store"
	"receipt-ocr-pipeline/internal/telemetry"
)

// outcomeSchema pins the callback contract; bodies that don't match are
// rejected before any decode-dependent logic runs.
const outcomeSchema = `{
	"type": "object",
	"required": ["ItemId", "StatusCode"],
	"properties": {
		"ItemId": {"type": "string", "minLength": 1},
		"StatusCode": {"enum": ["Success", "Error", "Retry"]},
		"Text": {"type": "string"},
		"ErrorText": {"type": "string"}
	}
}`

// Server wires the HTTP callback surface.
type Server struct {
	cfg       config.Config
	store     store.Store
	transport queue.Transport
	schema    *jsonschema.Schema
}

// New constructs the relay server.
func New(cfg config.Config, st store.Store, t queue.Transport) (*Server, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("outcome.json", strings.NewReader(outcomeSchema)); err != nil {
		return nil, fmt.Errorf("add outcome schema: %w", err)
	}
	schema, err := compiler.Compile("outcome.json")
	if err != nil {
		return nil, fmt.Errorf("compile outcome schema: %w", err)
	}
	return &Server{cfg: cfg, store: st, transport: t, schema: schema}, nil
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/ocrCallback", s.handleCallback)
	return r
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CallbackKey != "" {
		code := r.URL.Query().Get("code")
		if subtle.ConstantTimeCompare([]byte(code), []byte(s.cfg.CallbackKey)) != 1 {
			http.Error(w, "invalid key", http.StatusUnauthorized)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 8*1024*1024))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		telemetry.ProtocolAnomalies.Inc()
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.schema.Validate(raw); err != nil {
		telemetry.ProtocolAnomalies.Inc()
		slog.Warn("rejecting outcome that violates schema", "err", err)
		http.Error(w, "body does not match outcome schema", http.StatusBadRequest)
		return
	}

	var outcome models.Outcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	log := slog.With("item_id", outcome.ItemID, "status_code", outcome.StatusCode)
	ctx := r.Context()

	if outcome.StatusCode == models.OutcomeRetry {
		// Nothing is persisted for a condition that is about to be retried;
		// a partial status here would only mislead.
		if err := s.enqueueStage(ctx, models.StageMessage{
			ItemID: outcome.ItemID,
			Status: "Retry",
			Step:   models.StepRetry,
		}); err != nil {
			log.Error("enqueue retry stage", "err", err)
			http.Error(w, "enqueue failed", http.StatusInternalServerError)
			return
		}
		log.Info("retry outcome relayed")
		telemetry.CallbacksReceived.Inc()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	fields := models.RecordFields{}
	status := models.StatusError
	if outcome.StatusCode == models.OutcomeSuccess {
		status = models.StatusComplete
		fields.ExtractedText = models.String(outcome.Text)
	} else {
		fields.ErrorText = models.String(outcome.ErrorText)
	}
	if err := s.store.Upsert(ctx, outcome.ItemID, fields); err != nil {
		log.Error("upsert outcome", "err", err)
		http.Error(w, "store write failed", http.StatusInternalServerError)
		return
	}

	if err := s.enqueueStage(ctx, models.StageMessage{
		ItemID: outcome.ItemID,
		Status: status,
		Step:   models.StepFinalize,
	}); err != nil {
		log.Error("enqueue finalize stage", "err", err)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}

	log.Info("outcome relayed", "status", status)
	telemetry.CallbacksReceived.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) enqueueStage(ctx context.Context, msg models.StageMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal stage message: %w", err)
	}
	if _, err := s.transport.Enqueue(ctx, s.cfg.StageQueue, payload); err != nil {
		return fmt.Errorf("enqueue stage message: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
