package engine

import (
	"context"
	"log/slog"
	"path/filepath"

	"fetchd/internal/fsutil"
	"fetchd/internal/provider"
	"fetchd/internal/storage"
)

// dispatchPass starts downloads for every task in downloading status,
// bounded by the per-task and global concurrency caps and the disk gate,
// and settles tasks whose files have all reached a terminal state.
func (e *Engine) dispatchPass(ctx context.Context) {
	tasks, err := e.store.TasksByStatus(storage.StatusDownloading)
	if err != nil {
		e.log.Error("scan downloading tasks", slog.Any("error", err))
		return
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			return
		}
		e.dispatchOne(ctx, t)
	}
}

func (e *Engine) dispatchOne(ctx context.Context, t storage.Task) {
	if e.bus.IsCancelled(t.ID) {
		e.executor.CancelTask(t.ID)
		e.terminate(t.ID, storage.StatusCanceled, "user_cancel")
		return
	}

	active, err := e.store.CountFilesInStates(t.ID, storage.FileDownloading)
	if err != nil {
		return
	}
	pending, err := e.store.CountFilesInStates(t.ID, storage.FileSelected)
	if err != nil {
		return
	}

	if active == 0 && pending == 0 {
		e.settle(t)
		return
	}
	if pending == 0 {
		return
	}

	slots := int64(e.cfg.Download.PerTaskMaxActive) - active
	if q := int64(e.cfg.Download.PerTaskMaxQueued); q > 0 && slots > q {
		slots = q
	}
	if slots <= 0 {
		return
	}
	global, err := e.store.CountGlobalDownloading()
	if err != nil {
		return
	}
	if free := int64(e.cfg.Download.GlobalQueueLimit) - global; free < slots {
		slots = free
	}
	if slots <= 0 {
		return
	}

	if ok, reason := e.admission.Check(t.ID); !ok {
		// Not terminal: space may open up as other tasks finish or the
		// janitor reclaims partials. The task is retried next pass.
		_ = e.store.AppendEvent(t.ID, "warning", "admission_denied",
			map[string]interface{}{"reason": reason})
		return
	}

	_, filesDir, err := fsutil.EnsureTaskDirs(e.cfg.Storage.Root, t.ID)
	if err != nil || !fsutil.DirWritable(filesDir) {
		e.log.Error("task storage not writable", slog.String("task", t.ID), slog.Any("error", err))
		e.executor.CancelTask(t.ID)
		e.terminate(t.ID, storage.StatusFailed, "storage_not_writable")
		return
	}

	files, err := e.store.FilesForTask(t.ID)
	if err != nil {
		return
	}
	for _, f := range files {
		if slots <= 0 {
			break
		}
		if f.State != storage.FileSelected {
			continue
		}
		if e.startFile(ctx, t, f, filesDir) {
			slots--
		}
	}
}

// startFile unlocks the direct URL and hands the file to the executor.
// Returns true when a download slot was consumed.
func (e *Engine) startFile(ctx context.Context, t storage.Task, f storage.TaskFile, filesDir string) bool {
	direct, err := e.client.Unlock(ctx, f.LockedURL)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		e.log.Warn("unlock failed",
			slog.String("task", t.ID), slog.String("file", f.ID), slog.Any("error", err))
		reason := "unlock_failed"
		if provider.IsTerminal(err) {
			reason = "unlock_rejected"
		}
		_ = e.store.MarkFileFailed(f.ID, reason)
		return false
	}

	if err := e.store.SetFileUnlockedURL(f.ID, direct); err != nil {
		return false
	}
	if err := e.store.UpdateFileState(f.ID, storage.FileDownloading); err != nil {
		e.log.Error("selected -> downloading",
			slog.String("file", f.ID), slog.Any("error", err))
		return false
	}

	dest := filepath.Join(filesDir, f.Name)
	e.executor.Start(ctx, t.ID, f.ID, direct, f.LockedURL, dest, f.SizeBytes)
	return true
}

// settle finishes a task whose files are all terminal: ready when at least
// one artifact landed and none failed, failed otherwise. A ready task is
// registered in the dedup index so identical future submissions shortcut.
func (e *Engine) settle(t storage.Task) {
	// A crash between selection commit and the skip sweep can leave listed
	// rows behind; retire them before deciding the outcome.
	if listed, err := e.store.CountFilesInStates(t.ID, storage.FileListed); err == nil && listed > 0 {
		_, _ = e.store.SkipUnselectedFiles(t.ID)
	}

	done, err := e.store.CountFilesInStates(t.ID, storage.FileDone)
	if err != nil {
		return
	}
	failed, err := e.store.CountFilesInStates(t.ID, storage.FileFailed)
	if err != nil {
		return
	}

	if failed > 0 || done == 0 {
		e.terminate(t.ID, storage.StatusFailed, "files_failed")
		return
	}

	base := filepath.Join(e.cfg.Storage.Root, t.ID)
	_ = e.store.SetShareRef(t.ID, base)
	if t.Identifier != "" {
		if err := e.store.UpsertDedup(t.Identifier, t.SourceType, base); err != nil {
			e.log.Warn("dedup upsert failed", slog.String("task", t.ID), slog.Any("error", err))
		}
	}
	_ = e.store.SetProgress(t.ID, 100)
	e.terminate(t.ID, storage.StatusReady, "")
	e.log.Info("task ready", slog.String("task", t.ID), slog.Int64("files", done))
}
