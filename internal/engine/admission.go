package engine

import (
	"log/slog"

	"fetchd/internal/config"
	"fetchd/internal/fsutil"
	"fetchd/internal/storage"
)

// Admission is the disk gate. A task may start downloading only if the
// volume can absorb its remaining bytes on top of everything already
// promised to other tasks, and only while free space sits above the
// configured floor.
type Admission struct {
	cfg   config.StorageConfig
	store *storage.Store
	log   *slog.Logger

	// Test seam; defaults to the real volume probe.
	diskFree func(path string) (int64, error)
}

func NewAdmission(cfg config.StorageConfig, store *storage.Store, log *slog.Logger) *Admission {
	return &Admission{
		cfg:      cfg,
		store:    store,
		log:      log.With(slog.String("component", "admission")),
		diskFree: fsutil.DiskFree,
	}
}

// Check reports whether taskID may (continue to) occupy disk. The reason
// is empty when admitted.
func (a *Admission) Check(taskID string) (bool, string) {
	free, err := a.diskFree(a.cfg.Root)
	if err != nil {
		// An unreadable volume is treated as full rather than unbounded.
		a.log.Warn("disk probe failed", slog.Any("error", err))
		return false, "disk_probe_failed"
	}

	floor := a.cfg.LowSpaceFloorBytes()
	if free <= floor {
		return false, "low_space_floor"
	}

	need, err := a.store.ReservedBytes(taskID)
	if err != nil {
		return false, "reservation_query_failed"
	}
	reserved, err := a.store.GlobalReservedBytes(taskID)
	if err != nil {
		return false, "reservation_query_failed"
	}

	if free-reserved < need {
		a.log.Info("admission denied",
			slog.String("task", taskID),
			slog.Int64("free", free),
			slog.Int64("reserved", reserved),
			slog.Int64("need", need))
		return false, "insufficient_space"
	}
	return true, ""
}
