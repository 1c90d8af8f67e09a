package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestPerform_PostsInputAndReturnsBody(t *testing.T) {
	var gotPath, gotBody, gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"decoded":"hi"}`))
	}))
	defer srv.Close()

	p, err := New(srv.URL+"/", nil)
	if err != nil {
		t.Fatal(err)
	}
	out, err := p.Perform(context.Background(), "decode", json.RawMessage(`{"text":"aGk="}`))
	if err != nil {
		t.Fatalf("Perform: %v", err)
	}
	if string(out) != `{"decoded":"hi"}` {
		t.Errorf("out = %s", out)
	}
	if gotPath != "/decode" || gotBody != `{"text":"aGk="}` || gotType != "application/json" {
		t.Errorf("request path=%s body=%s type=%s", gotPath, gotBody, gotType)
	}
}

func TestPerform_Failures(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusBadGateway)
		},
		"invalid json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("not json"))
		},
	}
	for name, h := range cases {
		srv := httptest.NewServer(h)
		p, err := New(srv.URL, nil)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Perform(context.Background(), "decode", json.RawMessage(`{}`)); err == nil {
			t.Errorf("%s: expected error", name)
		}
		srv.Close()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	p, _ := New(srv.URL, nil)
	_, err := p.Perform(context.Background(), "decode", json.RawMessage(`{}`))
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Errorf("expected StatusError 503, got %v", err)
	}
}

func TestPerform_HonoursContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := New(srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Perform(ctx, "decode", json.RawMessage(`{}`))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "localhost:8080", "://x"} {
		if _, err := New(u, nil); err == nil {
			t.Errorf("%q: expected error", u)
		}
	}
}
