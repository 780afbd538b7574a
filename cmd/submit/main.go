// Submit uploads a receipt image and enqueues the step-0 stage message that
// starts processing. The job id doubles as the object key.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"receipt-ocr-pipeline/internal/blob"
	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/logger"
	"receipt-ocr-pipeline/internal/models"
	"receipt-ocr-pipeline/internal/queue"
)

func main() {
	imagePath := flag.String("image", "", "path to the receipt image (required)")
	owner := flag.String("owner", "", "submitting user id (required)")
	jobID := flag.String("id", "", "job id; defaults to a fresh uuid")
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.LogLevel, cfg.LogFormat, "submit")

	if *imagePath == "" || *owner == "" {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()

	id := *jobID
	if id == "" {
		id = uuid.New().String()
	}

	data, err := os.ReadFile(*imagePath)
	if err != nil {
		slog.Error("read image", "err", err)
		os.Exit(1)
	}

	storage, err := blob.Open(ctx, cfg)
	if err != nil {
		slog.Error("open object storage", "err", err)
		os.Exit(1)
	}

	contentType := http.DetectContentType(data)
	if err := storage.Put(ctx, id, data, contentType); err != nil {
		slog.Error("upload image", "err", err)
		os.Exit(1)
	}

	msg := models.StageMessage{
		ItemID: id,
		Owner:  *owner,
		Step:   models.StepStart,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal stage message", "err", err)
		os.Exit(1)
	}

	q := queue.NewRedisQueue(cfg)
	if _, err := q.Enqueue(ctx, cfg.StageQueue, payload); err != nil {
		slog.Error("enqueue stage message", "err", err)
		os.Exit(1)
	}

	fmt.Println(id)
}
