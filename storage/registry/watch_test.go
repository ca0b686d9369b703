package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatchFileReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(validDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	r := New(nil)
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.WatchFile(ctx, path); err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}

	updated := validDoc + "  - id: user-456\n"
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool {
		_, err := r.GetUser(context.Background(), "user-456")
		return err == nil
	})

	// An invalid rewrite is ignored.
	if err := os.WriteFile(path, []byte("clients: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if _, err := r.GetUser(context.Background(), "user-456"); err != nil {
		t.Errorf("snapshot replaced by invalid document: %v", err)
	}
}

func TestWatchFileIgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(path, []byte(validDoc), 0o600); err != nil {
		t.Fatal(err)
	}

	r := New(nil)
	if err := r.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	loadedAt := r.LoadedAt()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.WatchFile(ctx, path); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(validDoc), 0o600); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if !r.LoadedAt().Equal(loadedAt) {
		t.Error("registry reloaded for an unrelated file")
	}
}

func TestWatchFileMissingDirectory(t *testing.T) {
	r := New(nil)
	err := r.WatchFile(context.Background(), filepath.Join(t.TempDir(), "nope", "registry.yaml"))
	if err == nil {
		t.Error("WatchFile() succeeded on a missing directory")
	}
}
