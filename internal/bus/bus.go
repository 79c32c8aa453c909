// Package bus is the live-event channel between the lifecycle engine and
// subscribed streams. The store remains the source of truth; everything
// published here is advisory and subscribers reconcile via snapshots.
package bus

// Event kinds carried on the wire.
const (
	KindHello        = "hello"
	KindState        = "state"
	KindFilesListed  = "files.listed"
	KindFileState    = "file.state"
	KindFileProgress = "file.progress"
	KindFileDone     = "file.done"
	KindFileFailed   = "file.failed"
	KindSnapshot     = "snapshot"
)

// Event is one JSON-shaped payload. Constructors below pin the required
// fields per kind; extra fields may be added by callers.
type Event map[string]interface{}

func (e Event) Type() string {
	t, _ := e["type"].(string)
	return t
}

func Hello(taskID, mode, status string) Event {
	return Event{"type": KindHello, "taskId": taskID, "mode": mode, "status": status}
}

func State(taskID, status, reason string) Event {
	e := Event{"type": KindState, "taskId": taskID, "status": status}
	if reason != "" {
		e["reason"] = reason
	}
	return e
}

// FileEntry is the manifest item shape for files.listed payloads.
type FileEntry struct {
	FileID string `json:"fileId"`
	Index  int    `json:"index"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	State  string `json:"state"`
}

func FilesListed(taskID string, files []FileEntry) Event {
	return Event{"type": KindFilesListed, "taskId": taskID, "files": files}
}

func FileState(taskID, fileID, state string) Event {
	return Event{"type": KindFileState, "taskId": taskID, "fileId": fileID, "state": state}
}

func FileProgress(taskID, fileID string, bytesDownloaded, total int64) Event {
	return Event{
		"type": KindFileProgress, "taskId": taskID, "fileId": fileID,
		"bytesDownloaded": bytesDownloaded, "total": total,
	}
}

func FileDone(taskID, fileID, localPath string) Event {
	return Event{"type": KindFileDone, "taskId": taskID, "fileId": fileID, "localPath": localPath}
}

func FileFailed(taskID, fileID, reason string) Event {
	return Event{"type": KindFileFailed, "taskId": taskID, "fileId": fileID, "reason": reason}
}

// Subscription is one live stream attached to a task's channel.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

// Close detaches the subscription and releases its resources.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Bus is the pub/sub substrate. Cancel flags live here rather than in
// process memory so that every worker observes them.
type Bus interface {
	Publish(taskID string, event Event) error
	Subscribe(taskID string) (*Subscription, error)

	RequestCancel(taskID string) error
	IsCancelled(taskID string) bool
	ClearCancel(taskID string) error

	Close() error
}
