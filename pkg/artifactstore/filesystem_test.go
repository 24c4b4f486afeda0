package artifactstore_test

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/mimir-aip/labelnoise/pkg/artifactstore"
)

func TestFilesystemStore(t *testing.T) {
	store, err := artifactstore.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	healthy, err := store.HealthCheck()
	if err != nil || !healthy {
		t.Fatalf("Expected store to be healthy, got %v", err)
	}

	n, err := store.Put("e1/r1/artifacts/model/MLmodel", strings.NewReader("flavors: {}\n"))
	if err != nil {
		t.Fatalf("Failed to put artifact: %v", err)
	}
	if n != 12 {
		t.Errorf("Expected 12 bytes written, got %d", n)
	}
	if _, err := store.Put("e1/r1/artifacts/model/model.json", strings.NewReader("{}")); err != nil {
		t.Fatalf("Failed to put artifact: %v", err)
	}

	files, err := store.List("e1/r1/artifacts")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(files) != 1 || files[0].Path != "model" || !files[0].IsDir {
		t.Errorf("Expected single model dir, got %+v", files)
	}

	files, err = store.List("e1/r1/artifacts/model")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(files) != 2 || files[0].Path != "MLmodel" || files[1].Path != "model.json" {
		t.Errorf("Unexpected listing: %+v", files)
	}
	if files[1].FileSize != 2 {
		t.Errorf("Expected size 2, got %d", files[1].FileSize)
	}

	f, err := store.Open("e1/r1/artifacts/model/model.json")
	if err != nil {
		t.Fatalf("Failed to open artifact: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "{}" {
		t.Errorf("Unexpected content %q", data)
	}

	if _, err := store.Open("e1/r1/artifacts/model"); !errors.Is(err, artifactstore.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a directory, got %v", err)
	}

	empty, err := store.List("nope")
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty listing for missing dir, got %v %v", empty, err)
	}

	if err := store.Delete("e1/r1"); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if _, err := store.Open("e1/r1/artifacts/model/model.json"); !errors.Is(err, artifactstore.ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestFilesystemStoreRejectsTraversal(t *testing.T) {
	store, err := artifactstore.NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	for _, p := range []string{"../escape", "a/../../b", "a\\b"} {
		if _, err := store.Put(p, strings.NewReader("x")); !errors.Is(err, artifactstore.ErrInvalidPath) {
			t.Errorf("Put(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
	if err := store.Delete(""); !errors.Is(err, artifactstore.ErrInvalidPath) {
		t.Errorf("Expected deleting the root to fail, got %v", err)
	}
}
