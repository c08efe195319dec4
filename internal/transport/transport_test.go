package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cognitedata/cdffs/internal/retry"
)

func TestDo_SendsBodyAndHeaders(t *testing.T) {
	var gotBody, gotHeader string
	var gotLength int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("Content-Range")
		gotLength = r.ContentLength
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Content-Range", "bytes 0-4/*")
	payload, err := Do(context.Background(), srv.Client(), http.MethodPut, srv.URL+"/obj?sig=secret", header, []byte("hello"))
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if string(payload) != "ok" {
		t.Errorf("payload = %q", payload)
	}
	if gotBody != "hello" || gotLength != 5 {
		t.Errorf("server saw body %q (length %d)", gotBody, gotLength)
	}
	if gotHeader != "bytes 0-4/*" {
		t.Errorf("Content-Range = %q", gotHeader)
	}
}

func TestDo_StatusErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "throttled", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), srv.Client(), http.MethodGet, srv.URL+"/obj?sig=secret", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !retry.IsRetryable(err) {
		t.Error("status error should be retryable")
	}
	if StatusCode(err) != http.StatusServiceUnavailable {
		t.Errorf("StatusCode = %d", StatusCode(err))
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("error leaks signed query: %v", err)
	}
}

func TestDo_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := Do(context.Background(), NewClient(time.Second), http.MethodGet, url, nil, nil)
	if err == nil {
		t.Fatal("expected error from closed server")
	}
	if !retry.IsRetryable(err) {
		t.Errorf("transport error should be retryable: %v", err)
	}
}
