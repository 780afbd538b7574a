package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RemoteEngine calls an external OCR inference endpoint with raw image bytes.
// The endpoint returns region/line/word JSON on success and a distinguishable
// overloaded status when it rejects calls under load.
type RemoteEngine struct {
	endpoint   string
	key        string
	httpClient *http.Client
}

// NewRemoteEngine builds the client. The timeout bounds the whole call so a
// stuck upstream cannot occupy a worker indefinitely.
func NewRemoteEngine(endpoint, key string, timeout time.Duration) *RemoteEngine {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteEngine{
		endpoint:   endpoint,
		key:        key,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (e *RemoteEngine) Recognize(ctx context.Context, image []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(image))
	if err != nil {
		return Failed(fmt.Sprintf("build ocr request: %v", err))
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if e.key != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", e.key)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Failed(fmt.Sprintf("call ocr endpoint: %v", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
		if err != nil {
			return Failed(fmt.Sprintf("read ocr response: %v", err))
		}
		parsed, err := ParseReadResponse(body)
		if err != nil {
			return Failed(err.Error())
		}
		return Parsed(Flatten(parsed))
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		// The multi-tenant service caps concurrent calls and sheds load with
		// these statuses.
		return Overloaded()
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
		return Failed(fmt.Sprintf("ocr endpoint returned status %d: %s", resp.StatusCode, string(body)))
	}
}
