package workers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"game-download-coordinator/utils"
)

func TestHTTPSourceOpen(t *testing.T) {
	data := []byte("0123456789abcdefghij")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "a.zip", time.Time{}, bytes.NewReader(data))
	}))
	defer srv.Close()
	src := NewHTTPSource(srv.Client(), utils.NewDiscardLogger())

	tests := []struct {
		name      string
		offset    int64
		wantStart int64
		wantBody  string
	}{
		{name: "full", offset: 0, wantStart: 0, wantBody: string(data)},
		{name: "resume", offset: 10, wantStart: 10, wantBody: "abcdefghij"},
		{name: "already complete", offset: 20, wantStart: 20, wantBody: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, start, total, err := src.Open(context.Background(), srv.URL, tt.offset)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer body.Close()
			got, _ := io.ReadAll(body)
			if start != tt.wantStart || total != int64(len(data)) || string(got) != tt.wantBody {
				t.Fatalf("start=%d total=%d body=%q", start, total, got)
			}
		})
	}
}

func TestHTTPSourceRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int32
		status       int
		wantErr      bool
		wantRequests int32
	}{
		{name: "transient 503", failures: 1, status: http.StatusServiceUnavailable, wantRequests: 2},
		{name: "rate limited", failures: 1, status: http.StatusTooManyRequests, wantRequests: 2},
		{name: "not found is final", failures: 10, status: http.StatusNotFound, wantErr: true, wantRequests: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&requests, 1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				w.Write([]byte("ok"))
			}))
			defer srv.Close()

			body, _, _, err := NewHTTPSource(srv.Client(), utils.NewDiscardLogger()).Open(context.Background(), srv.URL, 0)
			if tt.wantErr {
				var se *StatusError
				if !errors.As(err, &se) || se.Code != tt.status {
					t.Fatalf("err = %v, want status %d", err, tt.status)
				}
			} else {
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
				body.Close()
			}
			if got := atomic.LoadInt32(&requests); got != tt.wantRequests {
				t.Fatalf("requests = %d, want %d", got, tt.wantRequests)
			}
		})
	}
}

func TestTotalFromContentRange(t *testing.T) {
	tests := map[string]int64{
		"bytes 10-19/20": 20,
		"bytes */4096":   4096,
		"bytes 0-9/*":    0,
		"":               0,
	}
	for header, want := range tests {
		if got := totalFromContentRange(header); got != want {
			t.Errorf("totalFromContentRange(%q) = %d, want %d", header, got, want)
		}
	}
}

func TestHTTPSourceCircuitOpens(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	src := NewHTTPSource(srv.Client(), utils.NewDiscardLogger())

	// two exhausted retry runs reach the failure threshold
	for i := 0; i < 2; i++ {
		if _, _, _, err := src.Open(context.Background(), srv.URL, 0); err == nil {
			t.Fatal("Open succeeded against a failing server")
		}
	}
	before := atomic.LoadInt32(&requests)

	_, _, _, err := src.Open(context.Background(), srv.URL, 0)
	if !errors.Is(err, utils.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := atomic.LoadInt32(&requests); got != before {
		t.Fatalf("open circuit still sent %d request(s)", got-before)
	}
	if cat := utils.NewErrorClassifier().Categorize(err.Error()); cat != utils.ErrorCategoryNetwork {
		t.Fatalf("category = %s, want network", cat)
	}
}
