package blobstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	fs, err := NewFileStore(filepath.Join(t.TempDir(), "pdfs"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return map[string]Store{
		"file":   fs,
		"memory": NewInMemoryStore(),
	}
}

func readAll(t *testing.T, s Store, key string) string {
	t.Helper()
	rc, _, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open(%s): %v", key, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}

func TestStore_PutOpenDelete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			content := "%PDF-1.4 hello"

			obj, err := s.Put(ctx, "rx_rossi_1.pdf", "application/pdf", strings.NewReader(content))
			if err != nil {
				t.Fatalf("Put: %v", err)
			}
			want := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))
			if obj.Hash != want {
				t.Errorf("expected hash %s, got %s", want, obj.Hash)
			}
			if obj.Size != int64(len(content)) {
				t.Errorf("expected size %d, got %d", len(content), obj.Size)
			}

			if got := readAll(t, s, "rx_rossi_1.pdf"); got != content {
				t.Errorf("expected %q, got %q", content, got)
			}

			if err := s.Delete(ctx, "rx_rossi_1.pdf"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, _, err := s.Open(ctx, "rx_rossi_1.pdf"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound after delete, got %v", err)
			}
			if err := s.Delete(ctx, "rx_rossi_1.pdf"); !errors.Is(err, ErrBlobNotFound) {
				t.Errorf("expected ErrBlobNotFound on second delete, got %v", err)
			}
		})
	}
}

func TestStore_PutReplaces(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := s.Put(ctx, "doc.pdf", "application/pdf", strings.NewReader("v1")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.Put(ctx, "doc.pdf", "application/pdf", strings.NewReader("v2")); err != nil {
				t.Fatal(err)
			}
			if got := readAll(t, s, "doc.pdf"); got != "v2" {
				t.Errorf("expected v2, got %q", got)
			}
		})
	}
}

func TestStore_RejectsInvalidKeys(t *testing.T) {
	keys := []string{"", "../etc/passwd", "a/b.pdf", `a\b.pdf`, "..", "x\x00.pdf"}
	for name, s := range stores(t) {
		for _, key := range keys {
			_, err := s.Put(context.Background(), key, "application/pdf", strings.NewReader("x"))
			if !errors.Is(err, ErrInvalidKey) {
				t.Errorf("%s: Put(%q) expected ErrInvalidKey, got %v", name, key, err)
			}
		}
	}
}

func TestStore_RejectsOversizedContent(t *testing.T) {
	for name, s := range stores(t) {
		big := io.LimitReader(zeroReader{}, MaxFileSize+10)
		if _, err := s.Put(context.Background(), "big.pdf", "application/pdf", big); !errors.Is(err, ErrFileTooLarge) {
			t.Errorf("%s: expected ErrFileTooLarge, got %v", name, err)
		}
	}
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestFileStore_LeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(context.Background(), "a.pdf", "application/pdf", strings.NewReader("a")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "a.pdf" {
		t.Errorf("expected only a.pdf in root, got %v", entries)
	}
}

func TestInMemoryStore_ConcurrentPuts(t *testing.T) {
	s := NewInMemoryStore()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("doc_%d.pdf", i)
			if _, err := s.Put(context.Background(), key, "application/pdf", strings.NewReader(key)); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if got := len(s.Keys()); got != 20 {
		t.Errorf("expected 20 keys, got %d", got)
	}
}

func TestInMemoryStore_Overwrite(t *testing.T) {
	s := NewInMemoryStore()
	obj, _ := s.Put(context.Background(), "doc.pdf", "application/pdf", strings.NewReader("original"))
	s.Overwrite("doc.pdf", []byte("tampered"))

	rc, meta, err := s.Open(context.Background(), "doc.pdf")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "tampered" {
		t.Errorf("expected tampered bytes, got %q", b)
	}
	if meta.Hash != obj.Hash {
		t.Error("Overwrite must keep the recorded hash")
	}
}
