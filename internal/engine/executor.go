package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"fetchd/internal/config"
	"fetchd/internal/fsutil"
	"fetchd/internal/provider"
	"fetchd/internal/storage"
)

const (
	chunkSize       = 1 << 20 // copy granularity and cancel check interval
	ctrlFlushBytes  = 4 << 20 // sidecar counter update interval
	diskGuardBytes  = 32 << 20
	diskGuardPeriod = 5 * time.Second
)

// errExpiredLink marks an unlocked URL the host stopped honoring. The
// executor re-unlocks once per file before giving up.
var errExpiredLink = errors.New("direct link expired")

// Executor streams unlocked URLs to disk. Each file runs in its own
// goroutine with a sidecar counter file that the monitor reads; the
// executor itself never completes a file, it only writes bytes and
// removes the sidecar when the stream ends cleanly.
type Executor struct {
	cfg        config.DownloadConfig
	storageCfg config.StorageConfig
	store      *storage.Store
	client     provider.Client
	log        *slog.Logger
	httpc      *http.Client
	limiter    *rate.Limiter

	wg      sync.WaitGroup
	mu      sync.Mutex
	cancels map[string]map[string]context.CancelFunc
}

func NewExecutor(cfg config.DownloadConfig, storageCfg config.StorageConfig, store *storage.Store, client provider.Client, log *slog.Logger) *Executor {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout.Std(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ReadTimeout.Std(),
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	x := &Executor{
		cfg:        cfg,
		storageCfg: storageCfg,
		store:      store,
		client:     client,
		log:        log.With(slog.String("component", "executor")),
		// No overall client timeout: transfers run for hours, cancel
		// checks at chunk boundaries bound the reads instead.
		httpc:   &http.Client{Transport: transport},
		cancels: make(map[string]map[string]context.CancelFunc),
	}
	if cfg.BandwidthLimit > 0 {
		burst := cfg.BandwidthLimit
		if burst < chunkSize {
			burst = chunkSize
		}
		x.limiter = rate.NewLimiter(rate.Limit(cfg.BandwidthLimit), burst)
	}
	return x
}

// Start launches the download for one file. The caller has already moved
// the file to downloading.
func (x *Executor) Start(ctx context.Context, taskID, fileID, directURL, lockedURL, dest string, size int64) {
	ctx, cancel := context.WithCancel(ctx)

	x.mu.Lock()
	if x.cancels[taskID] == nil {
		x.cancels[taskID] = make(map[string]context.CancelFunc)
	}
	x.cancels[taskID][fileID] = cancel
	x.mu.Unlock()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		defer x.unregister(taskID, fileID)
		x.run(ctx, taskID, fileID, directURL, lockedURL, dest, size)
	}()
}

// CancelTask aborts every in-flight download of the task.
func (x *Executor) CancelTask(taskID string) {
	x.mu.Lock()
	for _, cancel := range x.cancels[taskID] {
		cancel()
	}
	x.mu.Unlock()
}

// Wait blocks until all download goroutines have parked.
func (x *Executor) Wait() { x.wg.Wait() }

func (x *Executor) unregister(taskID, fileID string) {
	x.mu.Lock()
	if m := x.cancels[taskID]; m != nil {
		delete(m, fileID)
		if len(m) == 0 {
			delete(x.cancels, taskID)
		}
	}
	x.mu.Unlock()
}

func (x *Executor) run(ctx context.Context, taskID, fileID, directURL, lockedURL, dest string, size int64) {
	ctrl := fsutil.CtrlPath(dest)
	if err := os.WriteFile(ctrl, []byte("0\n"), 0o644); err != nil {
		x.log.Error("create sidecar", slog.String("file", fileID), slog.Any("error", err))
		_ = x.store.MarkFileFailed(fileID, "storage_not_writable")
		return
	}

	var (
		err        error
		reUnlocked bool
	)
	for attempt := 0; attempt <= x.cfg.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
		}
		if ctx.Err() != nil {
			err = ctx.Err()
			break
		}

		err = x.download(ctx, directURL, dest, ctrl, size)
		if err == nil {
			break
		}
		if errors.Is(err, errExpiredLink) && !reUnlocked {
			// Hosts expire direct URLs mid-transfer; a fresh unlock
			// usually resumes cleanly. One shot per file.
			reUnlocked = true
			fresh, uerr := x.client.Unlock(ctx, lockedURL)
			if uerr == nil {
				directURL = fresh
				_ = x.store.SetFileUnlockedURL(fileID, fresh)
				attempt--
				continue
			}
			if provider.IsTerminal(uerr) {
				err = uerr
				break
			}
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			break
		}
		x.log.Warn("download attempt failed",
			slog.String("file", fileID),
			slog.Int("attempt", attempt+1),
			slog.Any("error", err))
	}

	if err == nil {
		// Removing the sidecar is the completion handshake; the monitor
		// takes it from here.
		if rmErr := os.Remove(ctrl); rmErr != nil {
			x.log.Warn("remove sidecar", slog.String("file", fileID), slog.Any("error", rmErr))
		}
		return
	}

	if ctx.Err() != nil {
		// Canceled or shutting down: park the file back in selected so a
		// later pass (or the next process) can pick it up. The partial
		// plus sidecar stay for the janitor.
		if reqErr := x.store.UpdateFileState(fileID, storage.FileSelected); reqErr != nil {
			x.log.Warn("re-queue canceled file", slog.String("file", fileID), slog.Any("error", reqErr))
		}
		return
	}

	reason := "download_failed"
	if errors.Is(err, errLowDisk) {
		reason = "low_disk"
	} else if provider.IsTerminal(err) {
		reason = "unlock_rejected"
	}
	x.log.Error("download failed",
		slog.String("task", taskID), slog.String("file", fileID), slog.Any("error", err))
	_ = x.store.MarkFileFailed(fileID, reason)
}

var errLowDisk = errors.New("free space below floor")

// download fetches the URL into dest, choosing segmented ranges for large
// files when the host advertises support and a plain stream otherwise.
func (x *Executor) download(ctx context.Context, url, dest, ctrl string, declared int64) error {
	length, ranges, err := x.probe(ctx, url)
	if err != nil {
		return err
	}
	if length <= 0 {
		length = declared
	}

	prog := &progress{ctrl: ctrl}

	if ranges && length >= x.cfg.SegmentMinBytes && x.cfg.Segments > 1 {
		return x.downloadSegmented(ctx, url, dest, length, prog)
	}
	return x.downloadSequential(ctx, url, dest, prog)
}

// probe asks the host for size and range support. Hosts that reject HEAD
// are treated as sequential-only.
func (x *Executor) probe(ctx context.Context, url string) (int64, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, false, err
	}
	resp, err := x.httpc.Do(req)
	if err != nil {
		return 0, false, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusGone {
		return 0, false, errExpiredLink
	}
	if resp.StatusCode != http.StatusOK {
		return 0, false, nil
	}
	length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	ranges := resp.Header.Get("Accept-Ranges") == "bytes"
	return length, ranges, nil
}

func (x *Executor) downloadSequential(ctx context.Context, url, dest string, prog *progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := x.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent:
	case http.StatusForbidden, http.StatusGone:
		return errExpiredLink
	default:
		return fmt.Errorf("host returned HTTP %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	return x.copyStream(ctx, out, resp.Body, prog, nil)
}

func (x *Executor) downloadSegmented(ctx context.Context, url, dest string, length int64, prog *progress) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()
	if err := out.Truncate(length); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	segments := int64(x.cfg.Segments)
	per := length / segments
	errs := make(chan error, segments)
	var wg sync.WaitGroup

	for i := int64(0); i < segments; i++ {
		start := i * per
		end := start + per - 1
		if i == segments-1 {
			end = length - 1
		}
		wg.Add(1)
		go func(start, end int64) {
			defer wg.Done()
			if err := x.fetchRange(ctx, url, out, start, end, prog); err != nil {
				errs <- err
				cancel()
			}
		}(start, end)
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func (x *Executor) fetchRange(ctx context.Context, url string, out *os.File, start, end int64, prog *progress) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := x.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	case http.StatusForbidden, http.StatusGone:
		return errExpiredLink
	default:
		return fmt.Errorf("range request returned HTTP %d", resp.StatusCode)
	}

	w := io.NewOffsetWriter(out, start)
	return x.copyStream(ctx, w, io.LimitReader(resp.Body, end-start+1), prog, nil)
}

// copyStream moves bytes in chunks, checking cancellation, the bandwidth
// cap and the free-space floor at each boundary.
func (x *Executor) copyStream(ctx context.Context, dst io.Writer, src io.Reader, prog *progress, buf []byte) error {
	if buf == nil {
		buf = make([]byte, chunkSize)
	}
	var sinceGuard int64
	lastGuard := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if x.limiter != nil {
			if err := x.limiter.WaitN(ctx, len(buf)); err != nil {
				return err
			}
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			prog.add(int64(n))
			sinceGuard += int64(n)
		}
		if err == io.EOF {
			prog.flush()
			return nil
		}
		if err != nil {
			return err
		}

		if sinceGuard >= diskGuardBytes && time.Since(lastGuard) >= diskGuardPeriod {
			sinceGuard = 0
			lastGuard = time.Now()
			free, ferr := fsutil.DiskFree(x.storageCfg.Root)
			if ferr == nil && free < x.storageCfg.MinFreeBytes {
				return errLowDisk
			}
		}
	}
}

// progress mirrors the live byte count into the sidecar so the monitor
// reads an accurate number even for preallocated segmented files.
type progress struct {
	ctrl    string
	count   atomic.Int64
	flushed atomic.Int64
}

func (p *progress) add(n int64) {
	total := p.count.Add(n)
	if total-p.flushed.Load() >= ctrlFlushBytes {
		p.flushed.Store(total)
		p.write(total)
	}
}

func (p *progress) flush() { p.write(p.count.Load()) }

func (p *progress) write(n int64) {
	_ = os.WriteFile(p.ctrl, []byte(strconv.FormatInt(n, 10)+"\n"), 0o644)
}
