package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"fetchd/internal/bus"
	"fetchd/internal/config"
	"fetchd/internal/fsutil"
	"fetchd/internal/magnet"
	"fetchd/internal/storage"
)

// MaxBatchLinks caps one multi-line link submission.
const MaxBatchLinks = 10

var (
	ErrInvalidSource = errors.New("engine: source is not a magnet or http(s) link")
	ErrInvalidMode   = errors.New("engine: mode must be auto or select")
	ErrTooManyLinks  = errors.New("engine: too many links in one submission")
	ErrNotSelectable = errors.New("engine: task is not awaiting selection")
	ErrNoneSelected  = errors.New("engine: selection matched no listed files")
	ErrTaskTerminal  = errors.New("engine: task already finished")
)

// Service is the submission and query surface over the store and bus. The
// HTTP layer is a thin shell around it; tests drive it directly.
type Service struct {
	cfg      config.Config
	store    *storage.Store
	bus      bus.Bus
	provider string
	log      *slog.Logger
	eng      *Engine
}

// BindEngine lets Delete abort a task's in-flight work directly when the
// engine runs in the same process.
func (s *Service) BindEngine(e *Engine) { s.eng = e }

func NewService(cfg config.Config, store *storage.Store, b bus.Bus, providerName string, log *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    store,
		bus:      b,
		provider: providerName,
		log:      log.With(slog.String("component", "service")),
	}
}

// SubmitRequest is one source to track.
type SubmitRequest struct {
	Source string `json:"source"`
	Mode   string `json:"mode"`
	Label  string `json:"label"`
	Owner  string `json:"owner"`
}

// Submit validates the source, derives its dedup identifier and creates
// the task. When an equivalent task is already running or materialized it
// is returned instead, flagged reused.
func (s *Service) Submit(req SubmitRequest) (*TaskSnapshot, bool, error) {
	mode := req.Mode
	if mode == "" {
		mode = storage.ModeAuto
	}
	if mode != storage.ModeAuto && mode != storage.ModeSelect {
		return nil, false, ErrInvalidMode
	}

	source := strings.TrimSpace(req.Source)
	var sourceType, identifier string
	switch {
	case strings.HasPrefix(source, "magnet:"):
		if err := magnet.Validate(source); err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		sourceType = storage.SourceMagnet
		identifier, _ = magnet.ParseInfohash(source)
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		id, err := magnet.LinkIdentifier(source)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		sourceType = storage.SourceLink
		identifier = id
	default:
		return nil, false, ErrInvalidSource
	}

	return s.create(source, sourceType, identifier, mode, req.Label, req.Owner)
}

// SubmitTorrent converts an uploaded .torrent into a magnet task.
func (s *Service) SubmitTorrent(data []byte, mode, label, owner string) (*TaskSnapshot, bool, error) {
	source, err := magnet.FromTorrent(data, true)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if mode == "" {
		mode = storage.ModeAuto
	}
	if mode != storage.ModeAuto && mode != storage.ModeSelect {
		return nil, false, ErrInvalidMode
	}
	identifier, _ := magnet.ParseInfohash(source)
	return s.create(source, storage.SourceUpload, identifier, mode, label, owner)
}

// SubmitBatch creates one task per non-empty line, up to MaxBatchLinks.
// The whole batch is validated before any task is created.
func (s *Service) SubmitBatch(text, mode, label, owner string) ([]*TaskSnapshot, error) {
	var sources []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sources = append(sources, line)
		}
	}
	if len(sources) == 0 {
		return nil, ErrInvalidSource
	}
	if len(sources) > MaxBatchLinks {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyLinks, len(sources), MaxBatchLinks)
	}

	out := make([]*TaskSnapshot, 0, len(sources))
	for _, src := range sources {
		snap, _, err := s.Submit(SubmitRequest{Source: src, Mode: mode, Label: label, Owner: owner})
		if err != nil {
			return out, err
		}
		out = append(out, snap)
	}
	return out, nil
}

func (s *Service) create(source, sourceType, identifier, mode, label, owner string) (*TaskSnapshot, bool, error) {
	if existing, err := s.store.FindReusable(identifier, sourceType); err == nil {
		s.log.Info("reusing existing task",
			slog.String("task", existing.ID), slog.String("status", existing.Status))
		snap, err := s.Get(existing.ID)
		return snap, true, err
	}

	t := &storage.Task{
		ID:         uuid.NewString(),
		Label:      label,
		Mode:       mode,
		SourceType: sourceType,
		Source:     source,
		Identifier: identifier,
		Provider:   s.provider,
		Status:     storage.StatusQueued,
		Owner:      owner,
	}
	if _, _, err := fsutil.EnsureTaskDirs(s.cfg.Storage.Root, t.ID); err != nil {
		return nil, false, err
	}
	if err := s.store.CreateTask(t); err != nil {
		return nil, false, err
	}
	s.log.Info("task submitted",
		slog.String("task", t.ID),
		slog.String("sourceType", sourceType),
		slog.String("mode", mode))
	snap, err := s.Get(t.ID)
	return snap, false, err
}

// Get returns the full task snapshot with its files.
func (s *Service) Get(taskID string) (*TaskSnapshot, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(t), nil
}

// List returns task snapshots (without files), newest first.
func (s *Service) List(status string, limit, offset int) ([]*TaskSnapshot, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	tasks, total, err := s.store.ListTasks(status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*TaskSnapshot, 0, len(tasks))
	for i := range tasks {
		out = append(out, snapshotOf(&tasks[i]))
	}
	return out, total, nil
}

// Select commits the user's file choice on a waiting task and moves it to
// downloading. An empty id list with all=true selects everything.
func (s *Service) Select(taskID string, fileIDs []string, all bool) (*TaskSnapshot, error) {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != storage.StatusWaitingSelection {
		return nil, ErrNotSelectable
	}

	var n int64
	if all {
		n, err = s.store.SelectAllFiles(taskID)
	} else {
		n, err = s.store.SelectFiles(taskID, fileIDs)
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoneSelected
	}
	// Files left out of the selection are retired now; a ready task must
	// not carry listed rows.
	if _, err := s.store.SkipUnselectedFiles(taskID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTaskStatus(taskID, storage.StatusDownloading, ""); err != nil {
		return nil, err
	}
	s.log.Info("selection committed", slog.String("task", taskID), slog.Int64("files", n))
	return s.Get(taskID)
}

// Cancel flags the task for cancellation. The flag is observed by the
// worker loops and in-flight downloads at their next boundary.
func (s *Service) Cancel(taskID string) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if storage.IsTerminal(t.Status) {
		return ErrTaskTerminal
	}
	s.log.Info("cancel requested", slog.String("task", taskID))
	return s.bus.RequestCancel(taskID)
}

// Delete removes a task in any status: row, events and files. An active
// task has its in-flight work aborted first. The on-disk directory is
// removed only with purgeFiles; otherwise partials and artifacts stay.
func (s *Service) Delete(taskID string, purgeFiles bool) error {
	t, err := s.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if !storage.IsTerminal(t.Status) {
		if s.eng != nil {
			s.eng.abortTask(taskID)
		} else {
			// Out-of-process workers observe the flag; its TTL expires it
			// once the row is gone.
			_ = s.bus.RequestCancel(taskID)
		}
	}

	base := filepath.Join(s.cfg.Storage.Root, taskID)
	if purgeFiles && t.Identifier != "" {
		if entry, err := s.store.LookupDedup(t.Identifier, t.SourceType); err == nil && entry.ShareRef == base {
			_ = s.store.DeleteDedup(t.Identifier, t.SourceType)
		}
	}
	if err := s.store.DeleteTask(taskID); err != nil {
		return err
	}
	if s.eng != nil {
		_ = s.bus.ClearCancel(taskID)
	}
	if purgeFiles {
		if err := os.RemoveAll(base); err != nil {
			s.log.Warn("remove task directory", slog.String("task", taskID), slog.Any("error", err))
		}
	}
	s.log.Info("task deleted",
		slog.String("task", taskID), slog.Bool("purgeFiles", purgeFiles))
	return nil
}

// Events returns the task's recent diagnostic records, newest first.
func (s *Service) Events(taskID string, limit int) ([]storage.TaskEvent, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.EventsForTask(taskID, limit)
}

// Subscribe attaches a live event stream for the task.
func (s *Service) Subscribe(taskID string) (*bus.Subscription, error) {
	if _, err := s.store.GetTask(taskID); err != nil {
		return nil, err
	}
	return s.bus.Subscribe(taskID)
}

// StatEntry is one day's download aggregate.
type StatEntry struct {
	Date       string `json:"date"`
	Bytes      int64  `json:"bytes"`
	BytesHuman string `json:"bytesHuman"`
	Files      int64  `json:"files"`
}

// Stats returns recent daily download totals.
func (s *Service) Stats(days int) ([]StatEntry, error) {
	if days <= 0 {
		days = 30
	}
	rows, err := s.store.DailyStats(days)
	if err != nil {
		return nil, err
	}
	out := make([]StatEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, StatEntry{
			Date:       r.Date,
			Bytes:      r.Bytes,
			BytesHuman: humanize.Bytes(uint64(r.Bytes)),
			Files:      r.Files,
		})
	}
	return out, nil
}

// TaskSnapshot is the wire shape of a task.
type TaskSnapshot struct {
	ID          string         `json:"id"`
	Label       string         `json:"label,omitempty"`
	Mode        string         `json:"mode"`
	SourceType  string         `json:"sourceType"`
	Identifier  string         `json:"identifier,omitempty"`
	Provider    string         `json:"provider"`
	Status      string         `json:"status"`
	Reason      string         `json:"reason,omitempty"`
	ProgressPct float64        `json:"progressPct"`
	ShareRef    string         `json:"shareRef,omitempty"`
	Owner       string         `json:"owner,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Files       []FileSnapshot `json:"files,omitempty"`
}

// FileSnapshot is the wire shape of one artifact.
type FileSnapshot struct {
	FileID          string `json:"fileId"`
	Index           int    `json:"index"`
	Name            string `json:"name"`
	Size            int64  `json:"size"`
	State           string `json:"state"`
	BytesDownloaded int64  `json:"bytesDownloaded"`
	LocalPath       string `json:"localPath,omitempty"`
}

func snapshotOf(t *storage.Task) *TaskSnapshot {
	snap := &TaskSnapshot{
		ID:          t.ID,
		Label:       t.Label,
		Mode:        t.Mode,
		SourceType:  t.SourceType,
		Identifier:  t.Identifier,
		Provider:    t.Provider,
		Status:      t.Status,
		Reason:      t.Reason,
		ProgressPct: t.ProgressPct,
		ShareRef:    t.ShareRef,
		Owner:       t.Owner,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
	for _, f := range t.Files {
		snap.Files = append(snap.Files, FileSnapshot{
			FileID:          f.ID,
			Index:           f.Index,
			Name:            f.Name,
			Size:            f.SizeBytes,
			State:           f.State,
			BytesDownloaded: f.BytesDownloaded,
			LocalPath:       f.LocalPath,
		})
	}
	return snap
}
