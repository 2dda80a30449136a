package commands_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fragmesh/storage-node/internal/commands"
	"github.com/fragmesh/storage-node/internal/config"
	"github.com/fragmesh/storage-node/internal/fragindex"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
	last   any
}

func (f *fakeEmitter) Emit(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.last = payload
	return nil
}

func TestHandleDeleteRemovesIndexedFragment(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "frag-1")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write fragment: %v", err)
	}

	idx := fragindex.New()
	idx.Put("frag-1", path)

	h := commands.New(idx, nil, nil, "node", "token", nil, nil)
	h.HandleDelete(context.Background(), []string{"frag-1"})

	if _, ok := idx.Lookup("frag-1"); ok {
		t.Error("frag-1 still indexed after delete")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("fragment file still exists after delete")
	}
}

func TestHandleDeleteMissingIDIsNotFatal(t *testing.T) {
	t.Parallel()

	idx := fragindex.New()
	h := commands.New(idx, nil, nil, "node", "token", nil, nil)
	// Must not panic on an id that was never indexed.
	h.HandleDelete(context.Background(), []string{"never-existed"})
}

func TestHandleDownloadSuccessEmitsCommandVerify(t *testing.T) {
	t.Parallel()

	body := []byte("fragment body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "13")
		w.Header().Set("Content-Disposition", `attachment; filename="frag-9"`)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	idx := fragindex.New()
	emitter := &fakeEmitter{}

	h := commands.New(idx, []config.StoragePath{{Path: dir, Threshold: 100}}, srv.Client(), "node", "token", emitter, nil)
	h.HandleDownload(context.Background(), []string{srv.URL})

	if _, ok := idx.Lookup("frag-9"); !ok {
		t.Error("frag-9 not indexed after successful download")
	}

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 1 || emitter.events[0] != "command_verify" {
		t.Fatalf("events = %v, want [command_verify]", emitter.events)
	}
}

func TestHandleDownloadNoSuccessesEmitsNothing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	idx := fragindex.New()
	emitter := &fakeEmitter{}

	h := commands.New(idx, []config.StoragePath{{Path: dir, Threshold: 100}}, srv.Client(), "node", "token", emitter, nil)
	h.HandleDownload(context.Background(), []string{srv.URL})

	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 0 {
		t.Errorf("events = %v, want none", emitter.events)
	}
}

func TestHandleDownloadInsufficientSpaceSkipsAndDoesNotEmit(t *testing.T) {
	t.Parallel()

	body := make([]byte, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "999999999999")
		w.Header().Set("Content-Disposition", `attachment; filename="frag-huge"`)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dir := t.TempDir()
	idx := fragindex.New()
	emitter := &fakeEmitter{}

	// Threshold 0 caps available space at 0 bytes, guaranteeing the
	// free >= Content-Length check fails regardless of the real disk.
	h := commands.New(idx, []config.StoragePath{{Path: dir, Threshold: 0}}, srv.Client(), "node", "token", emitter, nil)
	h.HandleDownload(context.Background(), []string{srv.URL})

	if _, ok := idx.Lookup("frag-huge"); ok {
		t.Error("frag-huge indexed despite insufficient space")
	}
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	if len(emitter.events) != 0 {
		t.Errorf("events = %v, want none", emitter.events)
	}
}
