package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

// s3Stub accepts PutObject requests and records them.
type s3Stub struct {
	mu   sync.Mutex
	puts []string
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.puts = append(s.puts, r.URL.Path)
	s.mu.Unlock()
	w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
	w.WriteHeader(http.StatusOK)
}

func TestPut(t *testing.T) {
	stub := &s3Stub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	u, err := New(context.Background(), Config{
		Bucket:          "cluster-logs",
		Prefix:          "/prod/",
		Endpoint:        srv.URL,
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	archive := filepath.Join(t.TempDir(), "2022-06-01T10+0200.zip")
	if err := os.WriteFile(archive, []byte("PK fake zip"), 0644); err != nil {
		t.Fatal(err)
	}

	key, err := u.Put(context.Background(), archive)
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if key != "prod/2022-06-01T10+0200.zip" {
		t.Errorf("unexpected key %q", key)
	}

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.puts) != 1 || stub.puts[0] != "/cluster-logs/prod/2022-06-01T10+0200.zip" {
		t.Errorf("unexpected requests: %v", stub.puts)
	}
}

func TestPutMissingFile(t *testing.T) {
	u, err := New(context.Background(), Config{
		Bucket:          "b",
		Endpoint:        "http://127.0.0.1:1",
		AccessKeyID:     "AKID",
		SecretAccessKey: "SECRET",
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := u.Put(context.Background(), filepath.Join(t.TempDir(), "missing.zip")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}, nil); err == nil {
		t.Error("expected error without bucket")
	}
}

func TestKey(t *testing.T) {
	u := &Uploader{prefix: ""}
	if got := u.Key("/tmp/logs/a.zip"); got != "a.zip" {
		t.Errorf("expected a.zip, got %q", got)
	}
	u.prefix = "team/cluster"
	if got := u.Key("/tmp/logs/a.zip"); got != "team/cluster/a.zip" {
		t.Errorf("expected team/cluster/a.zip, got %q", got)
	}
}
