package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanRequester chan string

func (c chanRequester) Request(base, _ string) { c <- base }

func startWatcher(t *testing.T, dir string) chanRequester {
	t.Helper()
	req := make(chanRequester, 16)
	w, err := NewWatcher(req, dir, "pkg", 50*time.Millisecond, DefaultExcludes, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// let the initial directory walk register its watches
	time.Sleep(100 * time.Millisecond)
	return req
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	req := startWatcher(t, dir)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml"), []byte{byte('a' + i)}, 0o644))
	}

	select {
	case base := <-req:
		assert.Equal(t, filepath.Clean(dir), base)
	case <-time.After(5 * time.Second):
		t.Fatal("no request after writes")
	}
	select {
	case <-req:
		t.Fatal("burst produced more than one request")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	dir := t.TempDir()
	req := startWatcher(t, dir)

	sub := filepath.Join(dir, "content", "x-oli-workbook_page")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	select {
	case <-req:
	case <-time.After(5 * time.Second):
		t.Fatal("no request after mkdir")
	}

	require.NoError(t, os.WriteFile(filepath.Join(sub, "A.xml"), []byte("<x/>"), 0o644))
	select {
	case <-req:
	case <-time.After(5 * time.Second):
		t.Fatal("no request for a file in a new directory")
	}
}

func TestWatcherIgnoresExcludedPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	req := startWatcher(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "index"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.xml.swp"), []byte("x"), 0o644))
	select {
	case <-req:
		t.Fatal("excluded paths triggered a request")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcherRejectsBadPattern(t *testing.T) {
	_, err := NewWatcher(make(chanRequester), t.TempDir(), "pkg", 0, []string{"[unterminated"}, zerolog.Nop())
	assert.Error(t, err)
}
