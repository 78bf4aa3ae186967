package filelisten

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldstream/tailtype/internal/clock"
	"github.com/fieldstream/tailtype/internal/model"
	"github.com/fieldstream/tailtype/internal/notifymeta"
)

func newTestListener(t *testing.T) *Listener {
	t.Helper()
	ln, err := New(clock.Default)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := ln.Init(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	return ln
}

func waitForEvent(t *testing.T, m *notifymeta.Meta) notifymeta.Event {
	t.Helper()
	select {
	case ev := <-m.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notify event")
		return notifymeta.Event{}
	}
}

func TestAddWatchAndReceiveWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.csv")
	if err := os.WriteFile(path, []byte("a,b,c\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ln := newTestListener(t)
	meta, err := ln.AddWatch(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ev := waitForEvent(t, meta)
	if ev.Kind != notifymeta.Write {
		t.Fatalf("got kind %v, want Write", ev.Kind)
	}
}

func TestTwoSubscriptionsShareOneWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.csv")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	ln := newTestListener(t)
	m1, err := ln.AddWatch(path)
	if err != nil {
		t.Fatal(err)
	}
	m2, err := ln.AddWatch(path)
	if err != nil {
		t.Fatal(err)
	}
	if m1.UID == m2.UID {
		t.Fatal("expected distinct UIDs for distinct subscriptions")
	}

	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitForEvent(t, m1)
	waitForEvent(t, m2)
}

func TestRemoveWatchUnknownMetaReturnsErrNotWatched(t *testing.T) {
	ln := newTestListener(t)
	ghost := notifymeta.New("/nonexistent/path")
	if err := ln.RemoveWatch(ghost); !errors.Is(err, model.ErrNotWatched) {
		t.Fatalf("expected ErrNotWatched removing a never-added watch, got %v", err)
	}
}

func TestRemoveWatchThenReAdd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.csv")
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}

	ln := newTestListener(t)
	meta, err := ln.AddWatch(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ln.RemoveWatch(meta); err != nil {
		t.Fatal(err)
	}
	if err := ln.RemoveWatch(meta); err == nil {
		t.Fatal("expected second RemoveWatch to fail, already removed")
	}

	if _, err := ln.AddWatch(path); err != nil {
		t.Fatalf("re-adding watch on the same path failed: %v", err)
	}
}
