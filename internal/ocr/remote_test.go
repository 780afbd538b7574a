package ocr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRemoteEngineSuccess(t *testing.T) {
	var gotContentType, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"regions":[{"lines":[{"words":[{"text":"Total"},{"text":"$42.00"}]}]}]}`))
	}))
	defer srv.Close()

	engine := NewRemoteEngine(srv.URL, "secret", 2*time.Second)
	res := engine.Recognize(context.Background(), []byte("image-bytes"))

	if res.Kind != KindParsed {
		t.Fatalf("expected parsed, got %+v", res)
	}
	if res.Text != "Total $42.00\n" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if gotContentType != "application/octet-stream" {
		t.Fatalf("content type = %q", gotContentType)
	}
	if gotKey != "secret" {
		t.Fatalf("subscription key not sent")
	}
}

func TestRemoteEngineOverloaded(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(status)
		}))
		engine := NewRemoteEngine(srv.URL, "", 2*time.Second)
		res := engine.Recognize(context.Background(), nil)
		srv.Close()

		if res.Kind != KindOverloaded {
			t.Fatalf("status %d: expected overloaded, got %+v", status, res)
		}
	}
}

func TestRemoteEngineHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad image format", http.StatusBadRequest)
	}))
	defer srv.Close()

	engine := NewRemoteEngine(srv.URL, "", 2*time.Second)
	res := engine.Recognize(context.Background(), nil)

	if res.Kind != KindFailed {
		t.Fatalf("expected failed, got %+v", res)
	}
	if res.Reason == "" {
		t.Fatal("expected a diagnostic reason")
	}
}

func TestRemoteEngineMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"unexpected": true}`))
	}))
	defer srv.Close()

	engine := NewRemoteEngine(srv.URL, "", 2*time.Second)
	res := engine.Recognize(context.Background(), nil)

	if res.Kind != KindFailed {
		t.Fatalf("shape mismatch should fail loudly, got %+v", res)
	}
}
