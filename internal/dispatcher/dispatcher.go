// Package dispatcher performs the OCR leg of the pipeline. It is stateless:
// it pulls a dispatch request, calls the OCR engine, classifies the outcome,
// and reports the result over the HTTP callback. It holds no job state and
// can be scaled or restarted without coordination.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/disintegration/imaging"

	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/models"
	"receipt-ocr-pipeline/internal/ocr"
	"receipt-ocr-pipeline/internal/queue"
	"receipt-ocr-pipeline/internal/ratelimit"
	"receipt-ocr-pipeline/internal/telemetry"
)

// errOverloaded requests a transport-level redelivery: the upstream shed load
// and a cheap retry is preferable to a round trip through the coordinator.
var errOverloaded = errors.New("ocr upstream overloaded")

// Throttle is the client-side rate limit shared across replicas. Satisfied
// by ratelimit.TokenBucket.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

var _ Throttle = (*ratelimit.TokenBucket)(nil)

// Dispatcher consumes the OCR queue and reports outcomes to the callback URL
// named in each request.
type Dispatcher struct {
	cfg        config.Config
	transport  queue.Transport
	engine     ocr.Engine
	throttle   Throttle // nil disables
	httpClient *http.Client
}

func New(cfg config.Config, t queue.Transport, engine ocr.Engine, throttle Throttle) *Dispatcher {
	timeout := cfg.OCRTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		cfg:       cfg,
		transport: t,
		engine:    engine,
		throttle:  throttle,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Handle processes one dispatch request. It posts exactly one outcome to the
// callback and returns nil, or returns an error to request redelivery —
// never both, and never neither.
//
// deliveries is the transport's count for this message, including the current
// delivery. Once it reaches the retry threshold the budget is treated as
// exhausted before anything else happens: an exhausted budget must not spend
// another inference call, and responsibility for retrying shifts to the
// coordinator via a Retry outcome.
func (d *Dispatcher) Handle(ctx context.Context, req models.DispatchRequest, deliveries int) error {
	log := slog.With("item_id", req.ItemID, "deliveries", deliveries)

	if deliveries >= d.cfg.OCRRetryThreshold {
		log.Warn("delivery budget exhausted, escalating retry to coordinator")
		telemetry.RetriesEscalated.Inc()
		return d.postOutcome(ctx, req.CallbackURL, models.Outcome{
			ItemID:     req.ItemID,
			StatusCode: models.OutcomeRetry,
		})
	}

	if d.throttle != nil {
		allowed, _, err := d.throttle.Allow(ctx, "ocr:upstream")
		if err != nil {
			// Fail open: a broken limiter must not stall the pipeline.
			log.Warn("throttle check failed", "err", err)
		} else if !allowed {
			return errOverloaded
		}
	}

	outcome := d.recognize(ctx, req, log)
	if outcome == nil {
		return errOverloaded
	}
	return d.postOutcome(ctx, req.CallbackURL, *outcome)
}

// recognize fetches the image and runs the engine. It returns nil for the
// overload condition; every other path, including unexpected failures, folds
// into a terminal outcome so no job is ever silently dropped.
func (d *Dispatcher) recognize(ctx context.Context, req models.DispatchRequest, log *slog.Logger) *models.Outcome {
	image, err := d.fetchImage(ctx, req.ImageURL)
	if err != nil {
		log.Error("image fetch failed", "err", err)
		return &models.Outcome{
			ItemID:     req.ItemID,
			StatusCode: models.OutcomeError,
			ErrorText:  err.Error(),
		}
	}

	image = d.preprocess(image)

	res := d.engine.Recognize(ctx, image)
	switch res.Kind {
	case ocr.KindParsed:
		log.Info("recognition succeeded", "chars", len(res.Text))
		return &models.Outcome{
			ItemID:     req.ItemID,
			StatusCode: models.OutcomeSuccess,
			Text:       res.Text,
		}
	case ocr.KindOverloaded:
		log.Warn("ocr upstream overloaded")
		return nil
	default:
		log.Error("recognition failed", "reason", res.Reason)
		return &models.Outcome{
			ItemID:     req.ItemID,
			StatusCode: models.OutcomeError,
			ErrorText:  res.Reason,
		}
	}
}

func (d *Dispatcher) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}

	limit := d.cfg.ImageMaxBytes
	if limit == 0 {
		limit = 25 * 1024 * 1024
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("image too large (>%d bytes)", limit)
	}
	return body, nil
}

// preprocess downscales oversized receipts (and optionally grayscales) to
// keep upstream payloads small. Bytes that don't decode as an image pass
// through untouched; the engine produces the real diagnostic.
func (d *Dispatcher) preprocess(data []byte) []byte {
	if d.cfg.OCRMaxDimension <= 0 && !d.cfg.OCRGrayscale {
		return data
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}
	changed := false
	if dim := d.cfg.OCRMaxDimension; dim > 0 {
		b := img.Bounds()
		if b.Dx() > dim || b.Dy() > dim {
			img = imaging.Fit(img, dim, dim, imaging.Lanczos)
			changed = true
		}
	}
	if d.cfg.OCRGrayscale {
		img = imaging.Grayscale(img)
		changed = true
	}
	if !changed {
		return data
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return data
	}
	return buf.Bytes()
}

func (d *Dispatcher) postOutcome(ctx context.Context, callbackURL string, outcome models.Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post outcome: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("post outcome: callback returned status %d", resp.StatusCode)
	}
	return nil
}

// Run consumes the OCR queue until context cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := d.transport.RequeueExpired(ctx, d.cfg.OCRQueue, time.Now(), 100); err != nil {
			slog.Warn("requeue expired leases", "err", err)
		}
		if depth, err := d.transport.Depth(ctx, d.cfg.OCRQueue); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(d.cfg.OCRQueue).Set(float64(depth))
		}
		if depth, err := d.transport.DLQDepth(ctx, d.cfg.OCRQueue); err == nil {
			telemetry.DLQDepthGauge.WithLabelValues(d.cfg.OCRQueue).Set(float64(depth))
		}

		del, err := d.transport.Dequeue(ctx, d.cfg.OCRQueue)
		if err != nil || del == nil {
			if err != nil {
				slog.Warn("dequeue dispatch request", "err", err)
			}
			sleepCtx(ctx, d.cfg.PollInterval)
			continue
		}

		var req models.DispatchRequest
		if err := json.Unmarshal(del.Payload, &req); err != nil || req.ItemID == "" || req.CallbackURL == "" {
			slog.Warn("discarding malformed dispatch request", "transport_id", del.ID, "err", err)
			telemetry.ProtocolAnomalies.Inc()
			_ = d.transport.Ack(ctx, d.cfg.OCRQueue, del.ID)
			continue
		}

		if err := d.Handle(ctx, req, del.Deliveries); err != nil {
			if !errors.Is(err, errOverloaded) {
				slog.Error("dispatch failed", "item_id", req.ItemID, "err", err)
			}
			dead, nackErr := d.transport.Nack(ctx, d.cfg.OCRQueue, del)
			if nackErr != nil {
				slog.Error("nack dispatch request", "err", nackErr)
			} else if dead {
				slog.Error("dispatch request dead-lettered", "item_id", req.ItemID)
			} else {
				telemetry.Redeliveries.Inc()
			}
			continue
		}

		_ = d.transport.Ack(ctx, d.cfg.OCRQueue, del.ID)
	}
}

func sleepCtx(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
