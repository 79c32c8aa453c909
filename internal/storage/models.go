package storage

import (
	"time"
)

// Task statuses. Transitions are validated by CanTransition; "deleted" is
// not a stored status, deletion removes the row.
const (
	StatusQueued           = "queued"
	StatusResolving        = "resolving"
	StatusWaitingSelection = "waiting_selection"
	StatusDownloading      = "downloading"
	StatusReady            = "ready"
	StatusFailed           = "failed"
	StatusCanceled         = "canceled"
)

// File states. skipped is the terminal disposition of manifest entries the
// user left out of the selection; a ready task never carries listed files.
const (
	FileListed      = "listed"
	FileSelected    = "selected"
	FileDownloading = "downloading"
	FileDone        = "done"
	FileFailed      = "failed"
	FileSkipped     = "skipped"
)

// Task modes.
const (
	ModeAuto   = "auto"
	ModeSelect = "select"
)

// Source types.
const (
	SourceMagnet = "magnet"
	SourceLink   = "link"
	SourceUpload = "upload"
)

// taskTransitions lists the legal status arrows. queued → ready is the
// dedup shortcut.
var taskTransitions = map[string][]string{
	StatusQueued:           {StatusResolving, StatusReady, StatusFailed, StatusCanceled},
	StatusResolving:        {StatusWaitingSelection, StatusDownloading, StatusFailed, StatusCanceled},
	StatusWaitingSelection: {StatusDownloading, StatusCanceled},
	StatusDownloading:      {StatusReady, StatusFailed, StatusCanceled},
}

// fileTransitions lists the legal file arrows. downloading → selected is
// the crash-recovery re-queue, which resets the byte counter.
var fileTransitions = map[string][]string{
	FileListed:      {FileSelected, FileSkipped},
	FileSelected:    {FileDownloading, FileFailed},
	FileDownloading: {FileDone, FileFailed, FileSelected},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to string) bool {
	for _, t := range taskTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// FileCanTransition reports whether a file may move between states.
func FileCanTransition(from, to string) bool {
	for _, t := range fileTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a task status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusReady || status == StatusFailed || status == StatusCanceled
}

// Task is one submission: a magnet, a direct link or an uploaded torrent.
type Task struct {
	ID    string `gorm:"primaryKey" json:"id"`
	Label string `json:"label"`
	Mode  string `json:"mode"` // auto | select

	SourceType string `gorm:"index:idx_tasks_identifier" json:"source_type"` // magnet | link | upload
	Source     string `gorm:"type:text" json:"source"`
	// Dedup key: infohash for magnets, normalized-URL hash for links,
	// random for uploads. (identifier, source_type) identifies a source.
	Identifier string `gorm:"index:idx_tasks_identifier" json:"identifier"`

	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`

	Status      string  `gorm:"index" json:"status"`
	Reason      string  `json:"reason,omitempty"`
	ProgressPct float64 `json:"progress_pct"`
	// Share reference set when the task completed via the dedup shortcut
	// or when its artifacts were published.
	ShareRef string `json:"share_ref,omitempty"`
	Owner    string `json:"owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Files  []TaskFile  `gorm:"constraint:OnDelete:CASCADE;foreignKey:TaskID" json:"files,omitempty"`
	Events []TaskEvent `gorm:"constraint:OnDelete:CASCADE;foreignKey:TaskID" json:"-"`
}

func (Task) TableName() string { return "tasks" }

// TaskFile is one downloadable artifact of a task. (TaskID, Index) mirrors
// the provider manifest position and is stable across polls.
type TaskFile struct {
	ID     string `gorm:"primaryKey" json:"id"`
	TaskID string `gorm:"index;uniqueIndex:idx_task_index" json:"task_id"`
	Index  int    `gorm:"column:idx;uniqueIndex:idx_task_index" json:"index"`

	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"` // 0 = unknown
	State     string `gorm:"index" json:"state"`

	BytesDownloaded int64  `json:"bytes_downloaded"`
	LocalPath       string `json:"local_path,omitempty"`
	// Last locked URL from the provider manifest, and the unlocked direct
	// URL (short-lived) obtained for it.
	LockedURL   string `gorm:"type:text" json:"-"`
	UnlockedURL string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (TaskFile) TableName() string { return "task_files" }

// Remaining reports the bytes this file still needs on disk. Unknown
// sizes count as zero for reservation purposes.
func (f TaskFile) Remaining() int64 {
	if f.SizeBytes <= 0 {
		return 0
	}
	if r := f.SizeBytes - f.BytesDownloaded; r > 0 {
		return r
	}
	return 0
}

// TaskEvent is an append-only diagnostic record. The event stream's replay
// window reads from here.
type TaskEvent struct {
	ID      uint      `gorm:"primaryKey;autoIncrement"`
	TaskID  string    `gorm:"index"`
	TS      time.Time `gorm:"index"`
	Level   string    // debug | info | warning | error | progress
	Event   string    // short tag
	Payload string    `gorm:"type:text"` // opaque JSON blob
}

func (TaskEvent) TableName() string { return "task_events" }

// DedupEntry maps an identifier to a previously materialized share.
// Advisory: the probe re-checks the path before shortcutting.
type DedupEntry struct {
	Identifier string    `gorm:"primaryKey"`
	SourceType string    `gorm:"primaryKey"`
	ShareRef   string    `json:"share_ref"`
	FirstSeen  time.Time `json:"first_seen"`
}

func (DedupEntry) TableName() string { return "dedup_entries" }

// DailyStat aggregates completed downloads per day.
type DailyStat struct {
	Date  string `gorm:"primaryKey"` // YYYY-MM-DD
	Bytes int64  `gorm:"default:0"`
	Files int64  `gorm:"default:0"`
}

func (DailyStat) TableName() string { return "daily_stats" }
