// Package downloader implements the resumable, abortable, progress-throttled
// model-asset fetcher described in spec.md §4.A.
package downloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	sttrace "github.com/realtime-ai/transpose-engine/pkg/trace"
)

const userAgent = "transpose-engine/1.0"

// FileEntry is one file described by the remote repo index.
type FileEntry struct {
	Name   string `json:"Name"`
	Path   string `json:"Path"`
	Size   int64  `json:"Size"`
	Sha256 string `json:"Sha256"`
}

type indexResponse struct {
	Code int `json:"Code"`
	Data struct {
		Files []FileEntry `json:"Files"`
	} `json:"Data"`
}

// ProgressFunc receives throttled progress reports, at most once every
// progressInterval wall-clock time (spec.md §4.A step 3).
type ProgressFunc func(fileName string, size, position int64)

const progressInterval = 500 * time.Millisecond

// Downloader fetches model files from a model-hub base URL with resume,
// abort, and per-repository index caching.
type Downloader struct {
	baseURL    string
	client     *http.Client
	onProgress ProgressFunc

	indexMu sync.RWMutex
	index   map[string][]FileEntry // repoID -> file list, process-lifetime cache

	regMu    sync.RWMutex
	registry map[string]*downloadEntry // file name -> in-flight entry
}

type downloadEntry struct {
	fileName     string
	size         atomic.Int64
	position     atomic.Int64 // bytes written so far; relaxed atomic, no lock (spec.md §5)
	lastReportMs int64        // only touched from the transfer goroutine
	cancel       context.CancelFunc
}

// Progress reports the last known size/position for an in-flight download,
// for UI polling outside the throttled push path. ok is false if fileName
// has no active download.
func (d *Downloader) Progress(fileName string) (size, position int64, ok bool) {
	d.regMu.RLock()
	defer d.regMu.RUnlock()
	dl, found := d.registry[fileName]
	if !found {
		return 0, 0, false
	}
	return dl.size.Load(), dl.position.Load(), true
}

// New builds a Downloader against baseURL (a model-hub origin, e.g.
// "https://hub.example.com"). onProgress may be nil.
func New(baseURL string, onProgress ProgressFunc) *Downloader {
	return &Downloader{
		baseURL:    baseURL,
		client:     &http.Client{Timeout: 0},
		onProgress: onProgress,
		index:      make(map[string][]FileEntry),
		registry:   make(map[string]*downloadEntry),
	}
}

// RequiredFiles returns the repo's file index, fetching and caching it on
// first use (spec.md §4.A step 1).
func (d *Downloader) RequiredFiles(ctx context.Context, repoID string) ([]FileEntry, error) {
	d.indexMu.RLock()
	if files, ok := d.index[repoID]; ok {
		d.indexMu.RUnlock()
		return files, nil
	}
	d.indexMu.RUnlock()

	url := fmt.Sprintf("%s/api/v1/models/%s/repo/files?Recursive=true", d.baseURL, repoID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("downloader: build index request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloader: fetch index: %w", err)
	}
	defer resp.Body.Close()

	var parsed indexResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("downloader: decode index response: %w", err)
	}
	if parsed.Code != 200 {
		return nil, fmt.Errorf("downloader: index request returned code %d", parsed.Code)
	}

	d.indexMu.Lock()
	d.index[repoID] = parsed.Data.Files
	d.indexMu.Unlock()

	return parsed.Data.Files, nil
}

// Start begins (or resumes) downloading fileName from repoID into
// modelDir/<path>.downloading, per spec.md §4.A. It returns once the
// transfer goroutine has been launched; the returned error covers only the
// index lookup. When the transfer completes or fails, one final report is
// sent through onProgress; a transfer error itself is neither returned nor
// reported anywhere.
func (d *Downloader) Start(ctx context.Context, repoID, modelDir, fileName string) error {
	files, err := d.RequiredFiles(ctx, repoID)
	if err != nil {
		return err
	}

	var entry *FileEntry
	for i := range files {
		if files[i].Name == fileName {
			entry = &files[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("downloader: %q not found in repo index", fileName)
	}

	dlCtx, cancel := context.WithCancel(ctx)
	dl := &downloadEntry{fileName: fileName, cancel: cancel}
	dl.size.Store(entry.Size)

	d.regMu.Lock()
	if existing, ok := d.registry[fileName]; ok {
		// Policy: new entry takes precedence; the old task is not
		// cancelled unless explicitly stopped (spec.md §9 open question).
		_ = existing
	}
	d.registry[fileName] = dl
	d.regMu.Unlock()

	go d.run(dlCtx, repoID, modelDir, *entry, dl)
	return nil
}

// Stop cancels the in-flight download for fileName, if any. The partially
// written .downloading file is left on disk (spec.md §4.A, §5).
func (d *Downloader) Stop(fileName string) {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	if dl, ok := d.registry[fileName]; ok {
		dl.cancel()
		delete(d.registry, fileName)
	}
}

func (d *Downloader) run(ctx context.Context, repoID, modelDir string, entry FileEntry, dl *downloadEntry) {
	defer func() {
		d.regMu.Lock()
		// Only remove this goroutine's own entry. A superseding Start for
		// the same file_name has already replaced the registry's value by
		// the time an older, superseded goroutine finishes; deleting by key
		// alone would drop the new, still-running entry out from under
		// Stop/Progress.
		if d.registry[entry.Name] == dl {
			delete(d.registry, entry.Name)
		}
		d.regMu.Unlock()
	}()

	if err := d.transfer(ctx, repoID, modelDir, entry, dl); err != nil {
		d.notify(entry.Name, entry.Size, dl.position.Load())
	}
}

func (d *Downloader) transfer(ctx context.Context, repoID, modelDir string, entry FileEntry, dl *downloadEntry) error {
	finalPath := filepath.Join(modelDir, entry.Path)
	partialPath := finalPath + ".downloading"

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("downloader: create model dir: %w", err)
	}

	var startAt int64
	if fi, err := os.Stat(partialPath); err == nil {
		if fi.Size() >= entry.Size {
			return os.Rename(partialPath, finalPath)
		}
		startAt = fi.Size()
	}

	url := fmt.Sprintf("%s/models/%s/resolve/master/%s", d.baseURL, repoID, entry.Path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("downloader: build transfer request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	if startAt > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startAt))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("downloader: transfer request: %w", err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		startAt = 0
		flags |= os.O_TRUNC
	default:
		return fmt.Errorf("downloader: transfer returned status %d", resp.StatusCode)
	}

	f, err := os.OpenFile(partialPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("downloader: open partial file: %w", err)
	}
	defer f.Close()

	dl.position.Store(startAt)
	err = sttrace.InstrumentDownload(ctx, entry.Name, func(context.Context) (int64, error) {
		var written int64
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, err := f.Write(buf[:n]); err != nil {
					return written, fmt.Errorf("downloader: write chunk: %w", err)
				}
				written += int64(n)
				dl.position.Add(int64(n))
				d.maybeNotify(dl)
			}
			if readErr != nil {
				if errors.Is(readErr, io.EOF) {
					return written, nil
				}
				return written, fmt.Errorf("downloader: read body: %w", readErr)
			}
		}
	})
	if err != nil {
		return err
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("downloader: close partial file: %w", err)
	}
	if err := os.Rename(partialPath, finalPath); err != nil {
		return fmt.Errorf("downloader: finalize %s: %w", finalPath, err)
	}

	d.notify(entry.Name, entry.Size, dl.position.Load())
	return nil
}

func (d *Downloader) maybeNotify(dl *downloadEntry) {
	now := time.Now().UnixMilli()
	if now-dl.lastReportMs < progressInterval.Milliseconds() {
		return
	}
	dl.lastReportMs = now
	d.notify(dl.fileName, dl.size.Load(), dl.position.Load())
}

func (d *Downloader) notify(fileName string, size, position int64) {
	if d.onProgress != nil {
		d.onProgress(fileName, size, position)
	}
}
