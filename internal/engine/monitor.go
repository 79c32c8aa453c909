package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"fetchd/internal/fsutil"
	"fetchd/internal/storage"
)

// monitorPass is the sole authority for completing files. It watches the
// filesystem rather than trusting the executor: an artifact counts as done
// only when it exists, its sidecar is gone and the observed size covers
// the declared one. This makes completion crash-safe and lets externally
// repaired files complete too.
func (e *Engine) monitorPass(ctx context.Context) {
	files, err := e.store.FilesInState(storage.FileDownloading)
	if err != nil {
		e.log.Error("scan downloading files", slog.Any("error", err))
		return
	}

	touched := make(map[string]struct{})
	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		e.observeFile(f)
		touched[f.TaskID] = struct{}{}
	}

	for taskID := range touched {
		e.refreshTaskProgress(taskID)
	}
}

func (e *Engine) observeFile(f storage.TaskFile) {
	artifact := filepath.Join(e.cfg.Storage.Root, f.TaskID, "files", f.Name)
	ctrl := fsutil.CtrlPath(artifact)

	observed := observedBytes(artifact, ctrl)
	if observed > f.BytesDownloaded {
		if err := e.store.UpdateFileProgress(f.ID, observed); err != nil {
			e.log.Warn("record progress", slog.String("file", f.ID), slog.Any("error", err))
		}
	}

	if _, err := os.Stat(ctrl); err == nil {
		return
	}
	fi, err := os.Stat(artifact)
	if err != nil {
		return
	}
	if f.SizeBytes > 0 && fi.Size() < f.SizeBytes {
		return
	}

	if err := e.store.MarkFileDone(f.ID, artifact, fi.Size()); err != nil {
		e.log.Warn("mark file done", slog.String("file", f.ID), slog.Any("error", err))
		return
	}
	_ = e.store.IncrementDailyBytes(fi.Size())
	_ = e.store.IncrementDailyFiles()
	e.log.Info("file complete",
		slog.String("task", f.TaskID),
		slog.String("file", f.ID),
		slog.Int64("bytes", fi.Size()))
}

// observedBytes reads the live byte count. While the sidecar is present
// the executor keeps the counter there, which stays accurate for
// preallocated segmented writes where the artifact size lies.
func observedBytes(artifact, ctrl string) int64 {
	if data, err := os.ReadFile(ctrl); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return n
		}
	}
	return fsutil.OnDiskSize(artifact)
}

// refreshTaskProgress rolls per-file byte counts into the task percentage.
// Files of unknown size are excluded from the denominator.
func (e *Engine) refreshTaskProgress(taskID string) {
	files, err := e.store.FilesForTask(taskID)
	if err != nil {
		return
	}
	var total, got int64
	for _, f := range files {
		switch f.State {
		case storage.FileFailed, storage.FileSkipped:
			continue
		}
		if f.SizeBytes <= 0 {
			continue
		}
		total += f.SizeBytes
		if f.BytesDownloaded < f.SizeBytes {
			got += f.BytesDownloaded
		} else {
			got += f.SizeBytes
		}
	}
	if total <= 0 {
		return
	}
	pct := float64(got) / float64(total) * 100
	_ = e.store.SetProgress(taskID, pct)
}
