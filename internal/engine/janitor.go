package engine

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fetchd/internal/fsutil"
	"fetchd/internal/storage"
)

// janitorPass reclaims disk: terminal tasks past retention lose their rows
// and directories, and abandoned partials (sidecar still present, file no
// longer downloading) past their age limit are removed.
func (e *Engine) janitorPass(ctx context.Context) {
	e.purgeExpiredTasks()
	e.sweepPartials(ctx)
}

func (e *Engine) purgeExpiredTasks() {
	if e.cfg.Storage.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -e.cfg.Storage.RetentionDays)
	ids, err := e.store.PurgeTerminalBefore(cutoff)
	if err != nil {
		e.log.Error("retention purge", slog.Any("error", err))
	}
	for _, id := range ids {
		base := filepath.Join(e.cfg.Storage.Root, id)
		if err := os.RemoveAll(base); err != nil {
			e.log.Warn("remove expired task dir", slog.String("task", id), slog.Any("error", err))
		}
	}
	if len(ids) > 0 {
		e.log.Info("retention purge complete", slog.Int("tasks", len(ids)))
	}
}

// sweepPartials walks every task's files directory for stale sidecars and
// deletes the partial plus its sidecar. Files currently downloading are
// left alone regardless of age.
func (e *Engine) sweepPartials(ctx context.Context) {
	if e.cfg.Storage.PartialMaxAgeHours <= 0 {
		return
	}
	maxAge := time.Duration(e.cfg.Storage.PartialMaxAgeHours) * time.Hour

	entries, err := os.ReadDir(e.cfg.Storage.Root)
	if err != nil {
		return
	}

	active := e.activeArtifacts()

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if !entry.IsDir() {
			continue
		}
		filesDir := filepath.Join(e.cfg.Storage.Root, entry.Name(), "files")
		items, err := os.ReadDir(filesDir)
		if err != nil {
			continue
		}
		for _, item := range items {
			if !strings.HasSuffix(item.Name(), fsutil.CtrlSuffix) {
				continue
			}
			ctrl := filepath.Join(filesDir, item.Name())
			artifact := strings.TrimSuffix(ctrl, fsutil.CtrlSuffix)
			if _, inFlight := active[artifact]; inFlight {
				continue
			}
			info, err := item.Info()
			if err != nil || time.Since(info.ModTime()) < maxAge {
				continue
			}
			os.Remove(artifact)
			os.Remove(ctrl)
			e.log.Info("reclaimed stale partial", slog.String("artifact", artifact))
		}
	}
}

// activeArtifacts maps the absolute paths of files currently downloading.
func (e *Engine) activeArtifacts() map[string]struct{} {
	out := make(map[string]struct{})
	files, err := e.store.FilesInState(storage.FileDownloading)
	if err != nil {
		return out
	}
	for _, f := range files {
		out[filepath.Join(e.cfg.Storage.Root, f.TaskID, "files", f.Name)] = struct{}{}
	}
	return out
}
