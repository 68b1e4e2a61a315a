package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullPayload = "the quick brown fox jumps over the lazy dog"

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models/demo/repo/files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("Recursive"))
		fmt.Fprintf(w, `{"Code":200,"Data":{"Files":[{"Name":"model.pt","Path":"model.pt","Size":%d,"Sha256":"abc"}]}}`, len(fullPayload))
	})
	mux.HandleFunc("/models/demo/resolve/master/model.pt", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "transpose-engine/1.0", r.Header.Get("User-Agent"))
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(fullPayload))
			return
		}
		var start int
		_, err := fmt.Sscanf(rangeHdr, "bytes=%d-", &start)
		require.NoError(t, err)
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte(fullPayload[start:]))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRequiredFilesFetchesAndCaches(t *testing.T) {
	srv := newTestServer(t)
	d := New(srv.URL, nil)

	files, err := d.RequiredFiles(context.Background(), "demo")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "model.pt", files[0].Name)
	assert.Equal(t, int64(len(fullPayload)), files[0].Size)

	d.indexMu.RLock()
	_, cached := d.index["demo"]
	d.indexMu.RUnlock()
	assert.True(t, cached)
}

func TestRequiredFilesRejectsNonOKCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models/bad/repo/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"Code":500,"Data":{"Files":[]}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(srv.URL, nil)
	_, err := d.RequiredFiles(context.Background(), "bad")
	assert.Error(t, err)
}

func TestStartDownloadsFileFromScratch(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()

	var mu sync.Mutex
	var lastSize, lastPos int64
	d := New(srv.URL, func(fileName string, size, position int64) {
		mu.Lock()
		defer mu.Unlock()
		lastSize, lastPos = size, position
	})

	require.NoError(t, d.Start(context.Background(), "demo", dir, "model.pt"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "model.pt"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "model.pt"))
	require.NoError(t, err)
	assert.Equal(t, fullPayload, string(data))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int64(len(fullPayload)), lastSize)
	assert.Equal(t, int64(len(fullPayload)), lastPos)
}

func TestStartResumesFromPartialFile(t *testing.T) {
	srv := newTestServer(t)
	dir := t.TempDir()

	partial := filepath.Join(dir, "model.pt.downloading")
	const already = 10
	require.NoError(t, os.WriteFile(partial, []byte(fullPayload[:already]), 0o644))

	d := New(srv.URL, nil)
	require.NoError(t, d.Start(context.Background(), "demo", dir, "model.pt"))

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "model.pt"))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(dir, "model.pt"))
	require.NoError(t, err)
	assert.Equal(t, fullPayload, string(data))
}

func TestStartReturnsErrorForUnknownFile(t *testing.T) {
	srv := newTestServer(t)
	d := New(srv.URL, nil)
	err := d.Start(context.Background(), "demo", t.TempDir(), "missing.bin")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "not found"))
}

func TestStopCancelsInFlightDownloadLeavingPartialFile(t *testing.T) {
	block := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/models/slow/repo/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"Code":200,"Data":{"Files":[{"Name":"model.pt","Path":"model.pt","Size":%d}]}}`, len(fullPayload))
	})
	mux.HandleFunc("/models/slow/resolve/master/model.pt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(fullPayload[:5]))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	d := New(srv.URL, nil)
	require.NoError(t, d.Start(context.Background(), "slow", dir, "model.pt"))

	require.Eventually(t, func() bool {
		_, _, ok := d.Progress("model.pt")
		return ok
	}, time.Second, 5*time.Millisecond)

	d.Stop("model.pt")

	_, _, ok := d.Progress("model.pt")
	assert.False(t, ok, "registry entry should be gone after Stop")
}
