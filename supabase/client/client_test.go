package client

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c, err := New(Config{URL: server.URL + "/", APIKey: "service-key"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresURLAndKey(t *testing.T) {
	if _, err := New(Config{APIKey: "k"}); err == nil {
		t.Fatal("expected missing url error")
	}
	if _, err := New(Config{URL: "http://x"}); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestGetUserUsesAccessToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/user" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer user-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("apikey") != "service-key" {
			t.Errorf("apikey = %q", r.Header.Get("apikey"))
		}
		_, _ = w.Write([]byte(`{"id":"u1","email":"ana@example.com","user_metadata":{"full_name":"Ana"}}`))
	})

	user, err := c.Auth().GetUser(context.Background(), "user-token")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.ID != "u1" || user.FullName() != "Ana" {
		t.Fatalf("user = %+v", user)
	}
}

func TestGetUserUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"msg":"invalid JWT"}`))
	})

	_, err := c.Auth().GetUser(context.Background(), "bad")
	if !IsStatus(err, http.StatusUnauthorized) {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
	if err.Error() != "supabase error: status 401: invalid JWT" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestAdminCreateUser(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/v1/admin/users" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "admin@example.com" || body["email_confirm"] != true {
			t.Errorf("body = %v", body)
		}
		_, _ = w.Write([]byte(`{"id":"new-user","email":"admin@example.com"}`))
	})

	user, err := c.Auth().AdminCreateUser(context.Background(), "admin@example.com", "secret123", map[string]any{"full_name": "Admin"})
	if err != nil {
		t.Fatalf("AdminCreateUser: %v", err)
	}
	if user.ID != "new-user" {
		t.Fatalf("id = %s", user.ID)
	}
}

func TestBucketUploadDownloadDelete(t *testing.T) {
	objects := map[string][]byte{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if r.Header.Get("x-upsert") != "true" {
				t.Errorf("missing upsert header")
			}
			data, _ := io.ReadAll(r.Body)
			objects[r.URL.Path] = data
			_, _ = w.Write([]byte(`{"Key":"ok"}`))
		case http.MethodGet:
			data, ok := objects[r.URL.Path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"message":"Object not found"}`))
				return
			}
			_, _ = w.Write(data)
		case http.MethodDelete:
			var body struct {
				Prefixes []string `json:"prefixes"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			for _, p := range body.Prefixes {
				delete(objects, "/storage/v1/object/cv-assets/"+p)
			}
			_, _ = w.Write([]byte(`[]`))
		}
	})

	bucket := c.Storage().From("cv-assets")
	ctx := context.Background()
	if err := bucket.Upload(ctx, "u1/c1/photo.png", []byte("png"), "image/png", true); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, err := bucket.Download(ctx, "u1/c1/photo.png")
	if err != nil || string(data) != "png" {
		t.Fatalf("Download = %q, %v", data, err)
	}
	if err := bucket.Delete(ctx, []string{"u1/c1/photo.png"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bucket.Download(ctx, "u1/c1/photo.png"); !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 after delete, got %v", err)
	}
}

func TestGetPublicURLEscapesSegments(t *testing.T) {
	c, _ := New(Config{URL: "https://proj.supabase.co", APIKey: "k"})
	got := c.Storage().From("cv-assets").GetPublicURL("u1/mi cv.pdf")
	want := "https://proj.supabase.co/storage/v1/object/public/cv-assets/u1/mi%20cv.pdf"
	if got != want {
		t.Fatalf("url = %s, want %s", got, want)
	}
}
