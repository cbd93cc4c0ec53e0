package blob

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labcv/labcv/supabase/client"
)

func TestMemoryBucket(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	if err := b.Put(ctx, "u1/c1/a.pdf", []byte("pdf"), "application/pdf"); err != nil {
		t.Fatalf("put: %v", err)
	}
	data, err := b.Get(ctx, "u1/c1/a.pdf")
	if err != nil || string(data) != "pdf" {
		t.Fatalf("get = %q %v", data, err)
	}
	if keys := b.Keys("u1/"); len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
	_ = b.Delete(ctx, "u1/c1/a.pdf")
	if _, err := b.Get(ctx, "u1/c1/a.pdf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestSupabaseBucketMapsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = io.Copy(io.Discard, r.Body)
			_, _ = w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer server.Close()

	c, err := client.New(client.Config{URL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	b := NewSupabase(c, "cv-assets")
	if err := b.Put(context.Background(), "x/y.png", []byte("1"), "image/png"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := b.Get(context.Background(), "x/y.png"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
