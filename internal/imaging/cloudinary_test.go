package imaging

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestSignParams(t *testing.T) {
	params := map[string]string{
		"timestamp": "1700000000",
		"public_id": "2330",
		"folder":    "stockbot",
	}
	// Keys sorted: folder, public_id, timestamp.
	expectedBase := "folder=stockbot&public_id=2330&timestamp=1700000000" + "secret"
	sum := sha1.Sum([]byte(expectedBase))

	got := signParams(params, "secret")
	if got != hex.EncodeToString(sum[:]) {
		t.Errorf("signature mismatch: %s", got)
	}
}

func TestUpload_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1_1/demo/image/upload" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("api_key") != "key123" {
			t.Errorf("missing api_key field")
		}
		if r.FormValue("signature") == "" {
			t.Error("missing signature field")
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("missing file: %v", err)
		}
		file.Close()
		w.Write([]byte(`{"secure_url":"https://res.cloudinary.com/demo/2330.png","public_id":"stockbot/2330"}`))
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{
		CloudName: "demo", APIKey: "key123", APISecret: "secret",
		Folder: "stockbot", APIBase: srv.URL, Logger: testLogger(),
	})
	u.now = func() time.Time { return time.Unix(1700000000, 0) }

	url, err := u.Upload(context.Background(), "2330", []byte("pngdata"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "https://res.cloudinary.com/demo/2330.png" {
		t.Errorf("unexpected url: %s", url)
	}
}

func TestUpload_Rejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Invalid signature"}}`))
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{CloudName: "demo", APIBase: srv.URL, Logger: testLogger()})
	if _, err := u.Upload(context.Background(), "2330", []byte("x")); err == nil {
		t.Fatal("expected error for rejected upload")
	}
}

func TestUpload_MissingSecureURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	u := NewUploader(UploaderConfig{CloudName: "demo", APIBase: srv.URL, Logger: testLogger()})
	if _, err := u.Upload(context.Background(), "2330", []byte("x")); err == nil {
		t.Fatal("expected error for empty response")
	}
}
