package blob_test

import (
	"context"
	"errors"
	"testing"

	"github.com/sigee-min/bbmcp/internal/blob"
)

func newStore(t *testing.T) *blob.FileStore {
	t.Helper()
	s, err := blob.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "exports/prj_1/model.gltf", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	// Same key twice overwrites.
	if err := s.Put(ctx, "exports/prj_1/model.gltf", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "exports/prj_1/model.gltf")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("Get = %q, want v2", got)
	}
	if err := s.Delete(ctx, "exports/prj_1/model.gltf"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "exports/prj_1/model.gltf"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("Get after delete: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, "exports/prj_1/model.gltf"); !errors.Is(err, blob.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	for _, key := range []string{"", ".", "..", "../escape", "/abs/path", "a/../../b"} {
		if err := s.Put(ctx, key, []byte("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
	}
}

func TestCanceledContext(t *testing.T) {
	s := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Put(ctx, "k", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
