package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"fetchd/internal/fsutil"
	"fetchd/internal/provider"
	"fetchd/internal/storage"
)

// resolvePass advances every task between submission and its manifest:
// queued tasks get the dedup probe and move into resolving, resolving
// tasks poll the provider until files appear, and stale selections time
// out.
func (e *Engine) resolvePass(ctx context.Context) {
	queued, err := e.store.TasksByStatus(storage.StatusQueued)
	if err != nil {
		e.log.Error("scan queued tasks", slog.Any("error", err))
		return
	}
	for _, t := range queued {
		if ctx.Err() != nil {
			return
		}
		e.admitQueued(ctx, t)
	}

	resolving, err := e.store.TasksByStatus(storage.StatusResolving)
	if err != nil {
		e.log.Error("scan resolving tasks", slog.Any("error", err))
		return
	}
	for _, t := range resolving {
		if ctx.Err() != nil {
			return
		}
		e.resolveOne(ctx, t)
	}

	e.expireSelections()
}

// admitQueued runs the dedup probe. A previously materialized identical
// source short-circuits the whole pipeline: the task jumps straight to
// ready pointing at the existing share.
func (e *Engine) admitQueued(ctx context.Context, t storage.Task) {
	if e.bus.IsCancelled(t.ID) {
		e.terminate(t.ID, storage.StatusCanceled, "user_cancel")
		return
	}

	if t.Identifier != "" {
		entry, err := e.store.LookupDedup(t.Identifier, t.SourceType)
		if err == nil {
			if _, statErr := os.Stat(entry.ShareRef); statErr == nil {
				e.log.Info("dedup hit",
					slog.String("task", t.ID), slog.String("share", entry.ShareRef))
				_ = e.store.SetShareRef(t.ID, entry.ShareRef)
				if err := e.store.UpdateTaskStatus(t.ID, storage.StatusReady, "dedup"); err == nil {
					e.writeTaskMetadata(t.ID)
					return
				}
			} else {
				// Share vanished from disk; the index entry is stale.
				_ = e.store.DeleteDedup(t.Identifier, t.SourceType)
			}
		}
	}

	if err := e.store.UpdateTaskStatus(t.ID, storage.StatusResolving, ""); err != nil {
		e.log.Error("queued -> resolving", slog.String("task", t.ID), slog.Any("error", err))
	}
}

// resolveOne uploads the source if needed, then polls the provider for the
// manifest. Polls are paced by ResolvePollDelay with a hard attempt cap.
func (e *Engine) resolveOne(ctx context.Context, t storage.Task) {
	if e.bus.IsCancelled(t.ID) {
		e.terminate(t.ID, storage.StatusCanceled, "user_cancel")
		return
	}

	st := e.resolveStateFor(t.ID)

	if t.ProviderRef == "" {
		ref, err := e.client.Upload(ctx, t.Source)
		if err != nil {
			if provider.IsTerminal(err) {
				e.log.Warn("upload rejected", slog.String("task", t.ID), slog.Any("error", err))
				e.terminate(t.ID, storage.StatusFailed, "provider_rejected")
				return
			}
			e.log.Warn("upload failed, will retry", slog.String("task", t.ID), slog.Any("error", err))
			return
		}
		if err := e.store.SetProviderRef(t.ID, ref); err != nil {
			e.log.Error("persist provider ref", slog.String("task", t.ID), slog.Any("error", err))
			return
		}
		t.ProviderRef = ref
		_ = e.store.AppendEvent(t.ID, "info", "provider_upload", map[string]interface{}{"ref": ref})
	}

	if time.Now().Before(st.nextPoll) {
		return
	}
	st.attempts++
	st.nextPoll = time.Now().Add(e.cfg.Worker.ResolvePollDelay.Std())

	status, err := e.client.Status(ctx, t.ProviderRef)
	if err != nil {
		e.log.Warn("status poll failed",
			slog.String("task", t.ID),
			slog.Int("attempt", st.attempts),
			slog.Any("error", err))
		if st.attempts >= e.cfg.Worker.MaxResolveAttempts {
			e.terminate(t.ID, storage.StatusFailed, "timeout_no_files")
		}
		return
	}

	if status.TerminalError != "" {
		e.log.Warn("provider reported terminal failure",
			slog.String("task", t.ID), slog.String("code", status.TerminalError))
		e.terminate(t.ID, storage.StatusFailed, "provider_error:"+status.TerminalError)
		return
	}

	if len(status.Files) == 0 {
		if st.attempts >= e.cfg.Worker.MaxResolveAttempts {
			e.terminate(t.ID, storage.StatusFailed, "timeout_no_files")
		}
		return
	}

	e.commitManifest(t, status.Files)
}

// commitManifest persists the file list and routes the task by mode: auto
// selects everything and starts downloading, select parks it for the user.
func (e *Engine) commitManifest(t storage.Task, manifest []provider.File) {
	files := make([]storage.TaskFile, 0, len(manifest))
	for i, pf := range manifest {
		files = append(files, storage.TaskFile{
			ID:        uuid.NewString(),
			Index:     i,
			Name:      fsutil.SafeName(pf.Name, i),
			SizeBytes: pf.Size,
			State:     storage.FileListed,
			LockedURL: pf.LockedURL,
		})
	}
	if err := e.store.InsertManifest(t.ID, files); err != nil {
		e.log.Error("persist manifest", slog.String("task", t.ID), slog.Any("error", err))
		return
	}
	e.log.Info("manifest resolved",
		slog.String("task", t.ID), slog.Int("files", len(files)))
	_ = fsutil.AppendLog(filepath.Join(e.cfg.Storage.Root, t.ID), map[string]interface{}{
		"event": "manifest", "files": len(files),
	})

	if t.Mode == storage.ModeSelect {
		if err := e.store.UpdateTaskStatus(t.ID, storage.StatusWaitingSelection, ""); err != nil {
			e.log.Error("resolving -> waiting_selection", slog.String("task", t.ID), slog.Any("error", err))
		}
		e.dropResolveState(t.ID)
		return
	}

	if _, err := e.store.SelectAllFiles(t.ID); err != nil {
		e.log.Error("select all files", slog.String("task", t.ID), slog.Any("error", err))
		return
	}
	if err := e.store.UpdateTaskStatus(t.ID, storage.StatusDownloading, ""); err != nil {
		e.log.Error("resolving -> downloading", slog.String("task", t.ID), slog.Any("error", err))
		return
	}
	e.dropResolveState(t.ID)
}

// expireSelections cancels tasks left in waiting_selection beyond the
// configured window.
func (e *Engine) expireSelections() {
	if e.cfg.Worker.SelectionTimeout <= 0 {
		return
	}
	waiting, err := e.store.TasksByStatus(storage.StatusWaitingSelection)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-e.cfg.Worker.SelectionTimeout.Std())
	for _, t := range waiting {
		if e.bus.IsCancelled(t.ID) {
			e.terminate(t.ID, storage.StatusCanceled, "user_cancel")
			continue
		}
		if t.UpdatedAt.Before(cutoff) {
			e.log.Info("selection timed out", slog.String("task", t.ID))
			e.terminate(t.ID, storage.StatusCanceled, "selection_timeout")
		}
	}
}

// terminate moves a task to a terminal status, clears transient state and
// refreshes the on-disk metadata snapshot.
func (e *Engine) terminate(taskID, status, reason string) {
	if err := e.store.UpdateTaskStatus(taskID, status, reason); err != nil {
		e.log.Error("terminate task",
			slog.String("task", taskID), slog.String("status", status), slog.Any("error", err))
		return
	}
	e.dropResolveState(taskID)
	_ = e.bus.ClearCancel(taskID)
	e.writeTaskMetadata(taskID)
	_ = fsutil.AppendLog(filepath.Join(e.cfg.Storage.Root, taskID), map[string]interface{}{
		"event": "status", "status": status, "reason": reason,
	})
}

// writeTaskMetadata mirrors the task snapshot into <base>/metadata.json so
// the directory stays self-describing without the database.
func (e *Engine) writeTaskMetadata(taskID string) {
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return
	}
	base := filepath.Join(e.cfg.Storage.Root, taskID)
	if _, err := os.Stat(base); err != nil {
		return
	}
	files := make([]map[string]interface{}, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, map[string]interface{}{
			"index": f.Index, "name": f.Name, "size": f.SizeBytes,
			"state": f.State, "localPath": f.LocalPath,
		})
	}
	_ = fsutil.WriteMetadata(base, map[string]interface{}{
		"id":         t.ID,
		"label":      t.Label,
		"mode":       t.Mode,
		"sourceType": t.SourceType,
		"identifier": t.Identifier,
		"provider":   t.Provider,
		"status":     t.Status,
		"reason":     t.Reason,
		"shareRef":   t.ShareRef,
		"createdAt":  t.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":  t.UpdatedAt.UTC().Format(time.RFC3339),
		"files":      files,
	})
}
