package httpx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"strata/pkg/binding"
)

func TestFetchStreamsBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer srv.Close()

	f := NewRemoteFetcher(5 * time.Second)
	content, err := f.Fetch(context.Background(), srv.URL+"/img.jpg", binding.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer content.Body.Close()

	if content.MIMEType != "image/jpeg" {
		t.Errorf("mime = %q", content.MIMEType)
	}
	if content.Header.Get("ETag") != `"v1"` {
		t.Errorf("upstream headers not preserved: %v", content.Header)
	}
	body, _ := io.ReadAll(content.Body)
	if string(body) != "jpegbytes" {
		t.Errorf("body = %q", body)
	}
}

func TestFetchSendsBasicAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "svc" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := NewRemoteFetcher(5 * time.Second)
	content, err := f.Fetch(context.Background(), srv.URL, binding.FetchOptions{Username: "svc", Password: "secret"})
	if err != nil {
		t.Fatalf("fetch with credentials: %v", err)
	}
	content.Body.Close()

	if _, err := f.Fetch(context.Background(), srv.URL, binding.FetchOptions{}); err == nil {
		t.Fatal("fetch without credentials should fail on 401")
	}
}

func TestFetchDefaultsMIMEType(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte{0x01, 0x02})
	}))
	defer srv.Close()

	f := NewRemoteFetcher(5 * time.Second)
	content, err := f.Fetch(context.Background(), srv.URL, binding.FetchOptions{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer content.Body.Close()
	if content.MIMEType != "application/octet-stream" {
		t.Errorf("mime = %q", content.MIMEType)
	}
}

func TestFetchRejectsNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewRemoteFetcher(5 * time.Second)
	if _, err := f.Fetch(context.Background(), srv.URL, binding.FetchOptions{}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestFetchBadURL(t *testing.T) {
	t.Parallel()

	f := NewRemoteFetcher(time.Second)
	if _, err := f.Fetch(context.Background(), "http://127.0.0.1:1/x", binding.FetchOptions{}); err == nil {
		t.Fatal("expected connection error")
	}
}
