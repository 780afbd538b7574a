// Package coordinator owns the job state machine. It is the only component
// that writes the record's status field and the only one that decides when a
// job is done; the dispatcher never retries this class of failure on its own.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/models"
	"receipt-ocr-pipeline/internal/queue"
	"receipt-ocr-pipeline/internal/store"
	"receipt-ocr-pipeline/internal/telemetry"
)

// LinkSigner mints time-bounded read links for stored images.
type LinkSigner interface {
	ReadLink(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Coordinator consumes stage messages and advances jobs through the
// create → dispatch → finalize protocol.
type Coordinator struct {
	cfg       config.Config
	transport queue.Transport
	store     store.Store
	links     LinkSigner
}

func New(cfg config.Config, t queue.Transport, st store.Store, links LinkSigner) *Coordinator {
	return &Coordinator{cfg: cfg, transport: t, store: st, links: links}
}

// HandleStage applies one stage message to the state machine.
//
//	step 0:  create record as Processing, dispatch OCR
//	step 1:  merge the terminal status from the message
//	step 99: merge Retrying, dispatch OCR again with a fresh read link
//
// Steps 1 and 99 require an existing record, and a record that reached a
// terminal status never leaves it: the transport redelivers, so a late or
// duplicate message must not restart a finished job. Unrecognized steps are
// logged and ignored so protocol evolution cannot poison the queue.
func (c *Coordinator) HandleStage(ctx context.Context, msg models.StageMessage) error {
	log := slog.With("item_id", msg.ItemID, "step", msg.Step)

	rec, err := c.store.Get(ctx, msg.ItemID)
	exists := true
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		exists = false
	}
	terminal := exists && (rec.Status == models.StatusComplete || rec.Status == models.StatusError)

	switch msg.Step {
	case models.StepStart:
		if terminal {
			log.Warn("ignoring start for finalized receipt", "status", rec.Status)
			telemetry.ProtocolAnomalies.Inc()
			return nil
		}
		if exists {
			// Redelivery of an in-flight start. The record is intact; only
			// the dispatch may have been lost, so dispatch again without
			// touching the status.
			log.Warn("duplicate start for in-flight receipt", "status", rec.Status)
			return c.dispatch(ctx, msg.ItemID)
		}
		log.Info("starting receipt processing")
		fields := models.RecordFields{
			Status: models.String(models.StatusProcessing),
		}
		if msg.Owner != "" {
			fields.Owner = models.String(msg.Owner)
		}
		if err := c.store.Upsert(ctx, msg.ItemID, fields); err != nil {
			return err
		}
		if err := c.dispatch(ctx, msg.ItemID); err != nil {
			return err
		}
		telemetry.JobsStarted.Inc()
		return nil

	case models.StepFinalize:
		if !exists {
			log.Warn("finalize message for unknown receipt")
			telemetry.ProtocolAnomalies.Inc()
			return nil
		}
		if msg.Status != models.StatusComplete && msg.Status != models.StatusError {
			log.Warn("finalize message with unexpected status", "status", msg.Status)
			telemetry.ProtocolAnomalies.Inc()
			return nil
		}
		log.Info("finalizing receipt", "status", msg.Status)
		if err := c.store.Upsert(ctx, msg.ItemID, models.RecordFields{
			Status: models.String(msg.Status),
		}); err != nil {
			return err
		}
		if msg.Status == models.StatusComplete {
			telemetry.JobsCompleted.Inc()
		} else {
			telemetry.JobsErrored.Inc()
		}
		return nil

	case models.StepRetry:
		if !exists {
			log.Warn("retry message for unknown receipt")
			telemetry.ProtocolAnomalies.Inc()
			return nil
		}
		if terminal {
			log.Warn("ignoring retry for finalized receipt", "status", rec.Status)
			telemetry.ProtocolAnomalies.Inc()
			return nil
		}
		log.Info("retrying receipt")
		if err := c.store.Upsert(ctx, msg.ItemID, models.RecordFields{
			Status: models.String(models.StatusRetrying),
		}); err != nil {
			return err
		}
		return c.dispatch(ctx, msg.ItemID)

	default:
		log.Warn("ignoring unrecognized step")
		telemetry.ProtocolAnomalies.Inc()
		return nil
	}
}

// dispatch builds a dispatch request around a freshly minted read link and
// enqueues it. The link is generated here, not at job creation: links expire
// and a retry may run much later than the original submission.
func (c *Coordinator) dispatch(ctx context.Context, itemID string) error {
	// Presigned links are valid from signing time, so the clock-skew
	// allowance extends the window instead of backdating the start.
	link, err := c.links.ReadLink(ctx, itemID, c.cfg.ReadLinkTTL+c.cfg.ReadLinkBackdate)
	if err != nil {
		return fmt.Errorf("mint read link for %s: %w", itemID, err)
	}

	req := models.DispatchRequest{
		ItemID:      itemID,
		Kind:        "receipt",
		ImageURL:    link,
		CallbackURL: fmt.Sprintf("%s/ocrCallback?code=%s", c.cfg.CallbackBaseURL, c.cfg.CallbackKey),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal dispatch request: %w", err)
	}
	if _, err := c.transport.Enqueue(ctx, c.cfg.OCRQueue, payload); err != nil {
		return fmt.Errorf("enqueue dispatch request: %w", err)
	}
	return nil
}

// Run consumes the stage queue until context cancellation.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := c.transport.RequeueExpired(ctx, c.cfg.StageQueue, time.Now(), 100); err != nil {
			slog.Warn("requeue expired leases", "err", err)
		}
		if depth, err := c.transport.Depth(ctx, c.cfg.StageQueue); err == nil {
			telemetry.QueueDepthGauge.WithLabelValues(c.cfg.StageQueue).Set(float64(depth))
		}
		if depth, err := c.transport.DLQDepth(ctx, c.cfg.StageQueue); err == nil {
			telemetry.DLQDepthGauge.WithLabelValues(c.cfg.StageQueue).Set(float64(depth))
		}

		d, err := c.transport.Dequeue(ctx, c.cfg.StageQueue)
		if err != nil || d == nil {
			if err != nil {
				slog.Warn("dequeue stage message", "err", err)
			}
			sleepCtx(ctx, c.cfg.PollInterval)
			continue
		}

		var msg models.StageMessage
		if err := json.Unmarshal(d.Payload, &msg); err != nil || msg.ItemID == "" {
			slog.Warn("discarding malformed stage message", "transport_id", d.ID, "err", err)
			telemetry.ProtocolAnomalies.Inc()
			_ = c.transport.Ack(ctx, c.cfg.StageQueue, d.ID)
			continue
		}

		if err := c.HandleStage(ctx, msg); err != nil {
			slog.Error("stage handling failed", "item_id", msg.ItemID, "step", msg.Step, "deliveries", d.Deliveries, "err", err)
			dead, nackErr := c.transport.Nack(ctx, c.cfg.StageQueue, d)
			if nackErr != nil {
				slog.Error("nack stage message", "err", nackErr)
			} else if dead {
				slog.Error("stage message dead-lettered", "item_id", msg.ItemID, "step", msg.Step)
			} else {
				telemetry.Redeliveries.Inc()
			}
			continue
		}

		_ = c.transport.Ack(ctx, c.cfg.StageQueue, d.ID)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
