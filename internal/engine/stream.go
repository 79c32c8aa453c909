package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"fetchd/internal/bus"
	"fetchd/internal/config"
	"fetchd/internal/storage"
)

// Heartbeat is the keep-alive event kind. Transports render it their own
// way (SSE comment line, WebSocket ping).
const KindHeartbeat = "heartbeat"

// Streamer pumps a task's live events to one connected client. Bus events
// are advisory; periodic snapshot refreshes reconcile anything the bus
// dropped, and a digest check keeps idle refreshes off the wire.
type Streamer struct {
	svc *Service
	cfg config.StreamConfig
	log *slog.Logger
}

func NewStreamer(svc *Service, cfg config.StreamConfig, log *slog.Logger) *Streamer {
	return &Streamer{svc: svc, cfg: cfg, log: log.With(slog.String("component", "stream"))}
}

// Pump runs until the client disconnects, the task reaches a terminal
// status, or send fails. The opening sequence is always hello followed by
// a full snapshot.
func (s *Streamer) Pump(ctx context.Context, taskID string, send func(bus.Event) error) error {
	sub, err := s.svc.Subscribe(taskID)
	if err != nil {
		return err
	}
	defer sub.Close()

	snap, err := s.svc.Get(taskID)
	if err != nil {
		return err
	}
	if err := send(bus.Hello(taskID, snap.Mode, snap.Status)); err != nil {
		return err
	}
	digest, err := s.sendSnapshot(send, snap)
	if err != nil {
		return err
	}
	if storage.IsTerminal(snap.Status) {
		return nil
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval.Std())
	defer heartbeat.Stop()
	refresh := time.NewTicker(s.cfg.RefreshInterval.Std())
	defer refresh.Stop()

	// Before the manifest lands the stream polls faster so the client sees
	// files as soon as they exist, bounded by MaxEmptyWait.
	var fastPoll *time.Ticker
	var fastPollC <-chan time.Time // nil blocks until armed
	fastDeadline := time.Now().Add(s.cfg.MaxEmptyWait.Std())
	if len(snap.Files) == 0 {
		fastPoll = time.NewTicker(s.cfg.EmptyFilesPoll.Std())
		fastPollC = fastPoll.C
		defer func() {
			if fastPoll != nil {
				fastPoll.Stop()
			}
		}()
	}

	refreshNow := func() (bool, error) {
		cur, err := s.svc.Get(taskID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Deleted out from under the stream.
				return true, send(bus.Event{"type": bus.KindState, "taskId": taskID, "status": "deleted"})
			}
			return false, err
		}
		if d := snapshotDigest(cur); d != digest {
			digest = d
			if err := send(snapshotEvent(cur)); err != nil {
				return false, err
			}
		}
		if fastPoll != nil && (len(cur.Files) > 0 || time.Now().After(fastDeadline)) {
			fastPoll.Stop()
			fastPoll = nil
			fastPollC = nil
		}
		return storage.IsTerminal(cur.Status), nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
			if ev.Type() == bus.KindState {
				if status, _ := ev["status"].(string); storage.IsTerminal(status) {
					// Final reconciling snapshot, then close.
					_, err := refreshNow()
					return err
				}
			}

		case <-heartbeat.C:
			if err := send(bus.Event{"type": KindHeartbeat}); err != nil {
				return err
			}

		case <-fastPollC:
			done, err := refreshNow()
			if err != nil || done {
				return err
			}

		case <-refresh.C:
			done, err := refreshNow()
			if err != nil || done {
				return err
			}
		}
	}
}

func snapshotEvent(snap *TaskSnapshot) bus.Event {
	return bus.Event{"type": bus.KindSnapshot, "taskId": snap.ID, "task": snap}
}

func (s *Streamer) sendSnapshot(send func(bus.Event) error, snap *TaskSnapshot) (string, error) {
	return snapshotDigest(snap), send(snapshotEvent(snap))
}

// snapshotDigest is the change detector for refresh dedup. JSON encoding
// of the snapshot is stable enough for equality.
func snapshotDigest(snap *TaskSnapshot) string {
	b, _ := json.Marshal(snap)
	return string(b)
}
