// Package storage is the durable task store. All task mutations go through
// here; each commits first and then publishes the matching event on the bus
// (write-then-publish: a lost publish is recovered by snapshot refresh,
// a lost write never happens silently).
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"fetchd/internal/bus"
)

var (
	ErrNotFound          = errors.New("storage: not found")
	ErrIllegalTransition = errors.New("storage: illegal transition")
)

// Store wraps the SQLite database. Writes to a given task are serialized
// by the callers' loop structure; SQLite's WAL mode covers concurrent
// readers.
type Store struct {
	DB  *gorm.DB
	pub bus.Bus
}

// Open initializes the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")

	if err := db.AutoMigrate(&Task{}, &TaskFile{}, &TaskEvent{}, &DedupEntry{}, &DailyStat{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

// SetBus attaches the event bus used for post-commit publishing. Without
// one the store stays silent, which the tests use.
func (s *Store) SetBus(b bus.Bus) { s.pub = b }

func (s *Store) publish(taskID string, ev bus.Event) {
	if s.pub == nil {
		return
	}
	// Publish failures are non-fatal: subscribers reconcile via snapshots.
	_ = s.pub.Publish(taskID, ev)
}

func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint for durability on shutdown.
func (s *Store) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// ---------------- Tasks ----------------

func (s *Store) CreateTask(t *Task) error {
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusQueued
	}
	if err := s.DB.Create(t).Error; err != nil {
		return fmt.Errorf("storage: create task: %w", err)
	}
	s.appendEvent(t.ID, "info", "task_created", map[string]interface{}{"mode": t.Mode, "sourceType": t.SourceType})
	s.publish(t.ID, bus.Hello(t.ID, t.Mode, t.Status))
	return nil
}

// GetTask returns the task with its files ordered by manifest index.
func (s *Store) GetTask(id string) (*Task, error) {
	var t Task
	err := s.DB.Preload("Files", func(db *gorm.DB) *gorm.DB {
		return db.Order("idx asc")
	}).First(&t, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, err
}

// ListTasks returns tasks newest-first, optionally filtered by status,
// plus the total row count for that filter.
func (s *Store) ListTasks(status string, limit, offset int) ([]Task, int64, error) {
	query := s.DB.Model(&Task{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var tasks []Task
	err := query.Order("created_at desc").Limit(limit).Offset(offset).Find(&tasks).Error
	return tasks, total, err
}

// TasksByStatus returns tasks in any of the given statuses, oldest first
// so the loops drain FIFO.
func (s *Store) TasksByStatus(statuses ...string) ([]Task, error) {
	var tasks []Task
	err := s.DB.Where("status IN ?", statuses).Order("created_at asc").Find(&tasks).Error
	return tasks, err
}

// FindReusable looks up a task with the same dedup key that is either
// still running or already materialized. The submission surface returns
// it instead of creating a duplicate row.
func (s *Store) FindReusable(identifier, sourceType string) (*Task, error) {
	var t Task
	err := s.DB.
		Where("identifier = ? AND source_type = ?", identifier, sourceType).
		Where("status NOT IN ?", []string{StatusFailed, StatusCanceled}).
		Order("created_at desc").
		First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &t, err
}

// UpdateTaskStatus validates the arrow, commits status+reason and then
// publishes the state event.
func (s *Store) UpdateTaskStatus(id, to, reason string) error {
	var from string
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var t Task
		if err := tx.First(&t, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		from = t.Status
		if from == to {
			return nil
		}
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: task %s %s -> %s", ErrIllegalTransition, id, from, to)
		}
		updates := map[string]interface{}{"status": to, "updated_at": time.Now()}
		if reason != "" {
			updates["reason"] = reason
		}
		if err := tx.Model(&Task{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}
		return appendEventTx(tx, id, "info", "status_changed", map[string]interface{}{
			"from": from, "to": to, "reason": reason,
		})
	})
	if err != nil {
		return err
	}
	if from != to {
		s.publish(id, bus.State(id, to, reason))
	}
	return nil
}

func (s *Store) SetProviderRef(id, ref string) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"provider_ref": ref,
		"updated_at":   time.Now(),
	}).Error
}

func (s *Store) SetShareRef(id, ref string) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"share_ref":  ref,
		"updated_at": time.Now(),
	}).Error
}

func (s *Store) SetProgress(id string, pct float64) error {
	return s.DB.Model(&Task{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress_pct": pct,
		"updated_at":   time.Now(),
	}).Error
}

// DeleteTask removes the row and, via cascade, its files and events.
func (s *Store) DeleteTask(id string) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&TaskFile{}, "task_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&TaskEvent{}, "task_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Task{}, "id = ?", id).Error
	})
}

// ---------------- Files ----------------

// InsertManifest persists the provider manifest as listed files, skipping
// indexes that already exist (resolver resume), and publishes files.listed.
func (s *Store) InsertManifest(taskID string, files []TaskFile) error {
	entries := make([]bus.FileEntry, 0, len(files))
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		for i := range files {
			f := &files[i]
			f.TaskID = taskID
			if f.State == "" {
				f.State = FileListed
			}
			var existing TaskFile
			err := tx.Where("task_id = ? AND idx = ?", taskID, f.Index).First(&existing).Error
			if err == nil {
				*f = existing
			} else if errors.Is(err, gorm.ErrRecordNotFound) {
				if err := tx.Create(f).Error; err != nil {
					return err
				}
			} else {
				return err
			}
			entries = append(entries, bus.FileEntry{
				FileID: f.ID, Index: f.Index, Name: f.Name, Size: f.SizeBytes, State: f.State,
			})
		}
		return appendEventTx(tx, taskID, "info", "files_listed", map[string]interface{}{"count": len(files)})
	})
	if err != nil {
		return fmt.Errorf("storage: insert manifest: %w", err)
	}
	s.publish(taskID, bus.FilesListed(taskID, entries))
	return nil
}

func (s *Store) GetFile(fileID string) (*TaskFile, error) {
	var f TaskFile
	err := s.DB.First(&f, "id = ?", fileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &f, err
}

// FilesForTask returns the task's files in manifest order.
func (s *Store) FilesForTask(taskID string) ([]TaskFile, error) {
	var files []TaskFile
	err := s.DB.Where("task_id = ?", taskID).Order("idx asc").Find(&files).Error
	return files, err
}

// FilesInState returns all files in a given state across all tasks.
func (s *Store) FilesInState(state string) ([]TaskFile, error) {
	var files []TaskFile
	err := s.DB.Where("state = ?", state).Find(&files).Error
	return files, err
}

// UpdateFileState validates the file arrow and publishes the delta. A
// recovery re-queue (downloading → selected) resets the byte counter.
func (s *Store) UpdateFileState(fileID, to string) error {
	var f TaskFile
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&f, "id = ?", fileID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if f.State == to {
			return nil
		}
		if !FileCanTransition(f.State, to) {
			return fmt.Errorf("%w: file %s %s -> %s", ErrIllegalTransition, fileID, f.State, to)
		}
		updates := map[string]interface{}{"state": to, "updated_at": time.Now()}
		if f.State == FileDownloading && to == FileSelected {
			updates["bytes_downloaded"] = int64(0)
		}
		return tx.Model(&TaskFile{}).Where("id = ?", fileID).Updates(updates).Error
	})
	if err != nil {
		return err
	}
	if f.State != to {
		s.publish(f.TaskID, bus.FileState(f.TaskID, fileID, to))
	}
	return nil
}

// MarkFileFailed moves the file to failed with a reason event.
func (s *Store) MarkFileFailed(fileID, reason string) error {
	f, err := s.GetFile(fileID)
	if err != nil {
		return err
	}
	if !FileCanTransition(f.State, FileFailed) {
		return fmt.Errorf("%w: file %s %s -> failed", ErrIllegalTransition, fileID, f.State)
	}
	err = s.DB.Model(&TaskFile{}).Where("id = ?", fileID).Updates(map[string]interface{}{
		"state":      FileFailed,
		"updated_at": time.Now(),
	}).Error
	if err != nil {
		return err
	}
	s.appendEvent(f.TaskID, "error", "file_failed", map[string]interface{}{"fileId": fileID, "reason": reason})
	s.publish(f.TaskID, bus.FileFailed(f.TaskID, fileID, reason))
	return nil
}

// MarkFileDone is called by the progress monitor only. It finalizes the
// byte count, records the local path and publishes file.done.
func (s *Store) MarkFileDone(fileID, localPath string, bytes int64) error {
	f, err := s.GetFile(fileID)
	if err != nil {
		return err
	}
	if !FileCanTransition(f.State, FileDone) {
		return fmt.Errorf("%w: file %s %s -> done", ErrIllegalTransition, fileID, f.State)
	}
	err = s.DB.Model(&TaskFile{}).Where("id = ?", fileID).Updates(map[string]interface{}{
		"state":            FileDone,
		"local_path":       localPath,
		"bytes_downloaded": bytes,
		"updated_at":       time.Now(),
	}).Error
	if err != nil {
		return err
	}
	s.appendEvent(f.TaskID, "info", "file_done", map[string]interface{}{"fileId": fileID, "path": localPath})
	s.publish(f.TaskID, bus.FileDone(f.TaskID, fileID, localPath))
	return nil
}

// UpdateFileProgress records an observed byte count. Regressions are
// ignored: bytes_downloaded is monotone while downloading.
func (s *Store) UpdateFileProgress(fileID string, bytes int64) error {
	f, err := s.GetFile(fileID)
	if err != nil {
		return err
	}
	if bytes <= f.BytesDownloaded {
		return nil
	}
	err = s.DB.Model(&TaskFile{}).Where("id = ?", fileID).Updates(map[string]interface{}{
		"bytes_downloaded": bytes,
		"updated_at":       time.Now(),
	}).Error
	if err != nil {
		return err
	}
	s.publish(f.TaskID, bus.FileProgress(f.TaskID, fileID, bytes, f.SizeBytes))
	return nil
}

// SetFileUnlockedURL persists the direct URL and flips selected → downloading.
func (s *Store) SetFileUnlockedURL(fileID, url string) error {
	return s.DB.Model(&TaskFile{}).Where("id = ?", fileID).Updates(map[string]interface{}{
		"unlocked_url": url,
		"updated_at":   time.Now(),
	}).Error
}

// SelectFiles flips the chosen listed files to selected. Unknown ids are
// ignored; files already past listed are untouched.
func (s *Store) SelectFiles(taskID string, fileIDs []string) (int64, error) {
	res := s.DB.Model(&TaskFile{}).
		Where("task_id = ? AND state = ? AND id IN ?", taskID, FileListed, fileIDs).
		Updates(map[string]interface{}{"state": FileSelected, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

// SelectAllFiles is the auto-mode bulk update listed → selected.
func (s *Store) SelectAllFiles(taskID string) (int64, error) {
	res := s.DB.Model(&TaskFile{}).
		Where("task_id = ? AND state = ?", taskID, FileListed).
		Updates(map[string]interface{}{"state": FileSelected, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

// SkipUnselectedFiles retires the task's remaining listed files once the
// selection is committed, so every file ends in a terminal disposition.
func (s *Store) SkipUnselectedFiles(taskID string) (int64, error) {
	res := s.DB.Model(&TaskFile{}).
		Where("task_id = ? AND state = ?", taskID, FileListed).
		Updates(map[string]interface{}{"state": FileSkipped, "updated_at": time.Now()})
	if res.Error == nil && res.RowsAffected > 0 {
		s.appendEvent(taskID, "info", "files_skipped", map[string]interface{}{"count": res.RowsAffected})
	}
	return res.RowsAffected, res.Error
}

// CountFilesInStates counts the task's files in any of the given states.
func (s *Store) CountFilesInStates(taskID string, states ...string) (int64, error) {
	var n int64
	err := s.DB.Model(&TaskFile{}).
		Where("task_id = ? AND state IN ?", taskID, states).
		Count(&n).Error
	return n, err
}

// CountGlobalDownloading counts in-flight files across all tasks; the
// dispatcher enforces the global cap against it.
func (s *Store) CountGlobalDownloading() (int64, error) {
	var n int64
	err := s.DB.Model(&TaskFile{}).Where("state = ?", FileDownloading).Count(&n).Error
	return n, err
}

// ReservedBytes sums size − downloaded over the task's files in
// reservation states (listed, selected, downloading).
func (s *Store) ReservedBytes(taskID string) (int64, error) {
	files, err := s.FilesForTask(taskID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		switch f.State {
		case FileListed, FileSelected, FileDownloading:
			total += f.Remaining()
		}
	}
	return total, nil
}

// GlobalReservedBytes sums reservations across every task except the
// excluded one.
func (s *Store) GlobalReservedBytes(excludeTaskID string) (int64, error) {
	var files []TaskFile
	err := s.DB.
		Where("state IN ?", []string{FileListed, FileSelected, FileDownloading}).
		Where("task_id <> ?", excludeTaskID).
		Find(&files).Error
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		total += f.Remaining()
	}
	return total, nil
}

// ---------------- Events ----------------

func appendEventTx(tx *gorm.DB, taskID, level, event string, payload map[string]interface{}) error {
	blob, _ := json.Marshal(payload)
	return tx.Create(&TaskEvent{
		TaskID:  taskID,
		TS:      time.Now(),
		Level:   level,
		Event:   event,
		Payload: string(blob),
	}).Error
}

func (s *Store) appendEvent(taskID, level, event string, payload map[string]interface{}) {
	// Diagnostic records never fail the mutation they describe.
	_ = appendEventTx(s.DB, taskID, level, event, payload)
}

// AppendEvent adds a diagnostic record to the task's append-only log.
func (s *Store) AppendEvent(taskID, level, event string, payload map[string]interface{}) error {
	return appendEventTx(s.DB, taskID, level, event, payload)
}

// EventsForTask returns the most recent events, newest first.
func (s *Store) EventsForTask(taskID string, limit int) ([]TaskEvent, error) {
	var events []TaskEvent
	query := s.DB.Where("task_id = ?", taskID).Order("id desc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	return events, err
}

// ---------------- Dedup index ----------------

// UpsertDedup records that an identifier has materialized at shareRef.
func (s *Store) UpsertDedup(identifier, sourceType, shareRef string) error {
	return s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identifier"}, {Name: "source_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"share_ref"}),
	}).Create(&DedupEntry{
		Identifier: identifier,
		SourceType: sourceType,
		ShareRef:   shareRef,
		FirstSeen:  time.Now(),
	}).Error
}

// LookupDedup returns the dedup entry for an identifier, or ErrNotFound.
func (s *Store) LookupDedup(identifier, sourceType string) (*DedupEntry, error) {
	var e DedupEntry
	err := s.DB.First(&e, "identifier = ? AND source_type = ?", identifier, sourceType).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &e, err
}

func (s *Store) DeleteDedup(identifier, sourceType string) error {
	return s.DB.Delete(&DedupEntry{}, "identifier = ? AND source_type = ?", identifier, sourceType).Error
}

// ---------------- Daily stats ----------------

// IncrementDailyBytes adds bytes to today's aggregate.
func (s *Store) IncrementDailyBytes(bytes int64) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bytes": gorm.Expr("bytes + ?", bytes),
		}),
	}).Create(&DailyStat{Date: today, Bytes: bytes}).Error
}

// IncrementDailyFiles adds one completed file to today's aggregate.
func (s *Store) IncrementDailyFiles() error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"files": gorm.Expr("files + 1"),
		}),
	}).Create(&DailyStat{Date: today, Files: 1}).Error
}

// DailyStats returns the most recent daily aggregates, newest first.
func (s *Store) DailyStats(days int) ([]DailyStat, error) {
	var stats []DailyStat
	query := s.DB.Order("date desc")
	if days > 0 {
		query = query.Limit(days)
	}
	err := query.Find(&stats).Error
	return stats, err
}

// PurgeTerminalBefore removes terminal tasks older than cutoff, returning
// the ids removed so the janitor can clear their directories.
func (s *Store) PurgeTerminalBefore(cutoff time.Time) ([]string, error) {
	var tasks []Task
	err := s.DB.
		Where("status IN ?", []string{StatusReady, StatusFailed, StatusCanceled}).
		Where("updated_at < ?", cutoff).
		Find(&tasks).Error
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if err := s.DeleteTask(t.ID); err != nil {
			return ids, err
		}
		ids = append(ids, t.ID)
	}
	return ids, nil
}
