package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type testDoc struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
}

func TestStorage_PutAndGet(t *testing.T) {
	tmpDir := t.TempDir()
	s := New(tmpDir)
	ctx := context.Background()

	if err := s.Put(ctx, []string{"items", "a"}, testDoc{ID: "a", Value: 42}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "items", "a.json")); err != nil {
		t.Fatalf("File was not created: %v", err)
	}

	var got testDoc
	if err := s.Get(ctx, []string{"items", "a"}, &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ID != "a" || got.Value != 42 {
		t.Errorf("Data mismatch: got %+v", got)
	}
}

func TestStorage_GetNotFound(t *testing.T) {
	s := New(t.TempDir())

	var got testDoc
	err := s.Get(context.Background(), []string{"nope", "item"}, &got)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestStorage_GetCancelledContext(t *testing.T) {
	s := New(t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Put(ctx, []string{"items", "a"}, testDoc{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestStorage_Delete(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	if err := s.Put(ctx, []string{"items", "gone"}, testDoc{ID: "gone"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(ctx, []string{"items", "gone"}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	var got testDoc
	if err := s.Get(ctx, []string{"items", "gone"}, &got); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got: %v", err)
	}

	// Deleting a missing key is not an error
	if err := s.Delete(ctx, []string{"items", "gone"}); err != nil {
		t.Errorf("Delete of missing item should not error: %v", err)
	}
}

func TestStorage_ListAndScan(t *testing.T) {
	s := New(t.TempDir())
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, []string{"items", id}, testDoc{ID: id, Value: i}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	items, err := s.List(ctx, []string{"items"})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("Expected 3 items, got %d: %v", len(items), items)
	}

	scanned := map[string]int{}
	err = s.Scan(ctx, []string{"items"}, func(key string, data json.RawMessage) error {
		var doc testDoc
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		scanned[key] = doc.Value
		return nil
	})
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if scanned["c"] != 2 || len(scanned) != 3 {
		t.Errorf("Unexpected scan result: %v", scanned)
	}

	empty, err := s.List(ctx, []string{"missing"})
	if err != nil || len(empty) != 0 {
		t.Errorf("Expected empty list, got %v (%v)", empty, err)
	}
}

func TestStorage_ConcurrentPutLeavesNoTempFiles(t *testing.T) {
	tmpDir := t.TempDir()
	s := New(tmpDir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(val int) {
			defer wg.Done()
			if err := s.Put(ctx, []string{"items", "shared"}, testDoc{ID: "shared", Value: val}); err != nil {
				t.Errorf("Concurrent Put failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	var got testDoc
	if err := s.Get(ctx, []string{"items", "shared"}, &got); err != nil {
		t.Fatalf("Get after concurrent writes failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(tmpDir, "items"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("Temp file left behind: %s", e.Name())
		}
	}
}
