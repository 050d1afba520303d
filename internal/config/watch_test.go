package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchManifestReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "shell.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\n"), 0o600))

	changeCh := make(chan Manifest, 4)
	errCh := make(chan error, 4)

	watcher, err := WatchManifest(ctx, path, func(m Manifest) {
		changeCh <- m
	}, func(err error) {
		errCh <- err
	})
	require.NoError(t, err)
	defer watcher.Stop()

	select {
	case m := <-changeCh:
		require.Equal(t, "v1", m.Version)
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial manifest")
	}

	require.NoError(t, os.WriteFile(path, []byte("version: v2\ngenerations:\n  static: meghbarta-v2\n"), 0o600))

	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-changeCh:
			if m.Version != "v2" {
				continue
			}
			require.Equal(t, "meghbarta-v2", m.Generations.Static)
			return
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timeout waiting for reload event")
		}
	}
}

func TestWatchManifestReportsInvalidDocument(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "shell.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: v1\n"), 0o600))

	errCh := make(chan error, 4)
	watcher, err := WatchManifest(ctx, path, func(Manifest) {}, func(err error) {
		select {
		case errCh <- err:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Stop()

	require.NoError(t, os.WriteFile(path, []byte("offlineURL: nope\n"), 0o600))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for error")
	}
}

func TestWatchManifestRequiresInputs(t *testing.T) {
	_, err := WatchManifest(context.Background(), "", func(Manifest) {}, nil)
	require.Error(t, err)

	_, err = WatchManifest(context.Background(), "shell.yaml", nil, nil)
	require.Error(t, err)

	_, err = WatchManifest(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), func(Manifest) {}, nil)
	require.Error(t, err)

	var w *ManifestWatcher
	w.Stop()
}
