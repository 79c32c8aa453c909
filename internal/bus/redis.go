package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisBus spans multiple processes: one channel per task, cancel flags as
// expiring keys. The HTTP frontends and the worker loops can run anywhere
// that reaches the same Redis.
type RedisBus struct {
	pool      *redis.Pool
	url       string
	cancelTTL time.Duration
}

func NewRedisBus(url string, cancelTTL time.Duration) (*RedisBus, error) {
	pool := &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(url)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bus: redis ping: %w", err)
	}

	if cancelTTL <= 0 {
		cancelTTL = 24 * time.Hour
	}
	return &RedisBus{pool: pool, url: url, cancelTTL: cancelTTL}, nil
}

func channelFor(taskID string) string { return "task:" + taskID }
func cancelKey(taskID string) string  { return "task:" + taskID + ":cancel" }

func (b *RedisBus) Publish(taskID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}
	conn := b.pool.Get()
	defer conn.Close()
	_, err = conn.Do("PUBLISH", channelFor(taskID), payload)
	return err
}

func (b *RedisBus) Subscribe(taskID string) (*Subscription, error) {
	// Subscriptions hold a dedicated connection; the pool is for
	// short-lived commands only.
	conn, err := redis.DialURL(b.url)
	if err != nil {
		return nil, fmt.Errorf("bus: dial for subscribe: %w", err)
	}
	psc := redis.PubSubConn{Conn: conn}
	if err := psc.Subscribe(channelFor(taskID)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: subscribe %s: %w", taskID, err)
	}

	ch := make(chan Event, subscriberBuffer)
	done := make(chan struct{})

	go func() {
		defer close(ch)
		for {
			switch msg := psc.Receive().(type) {
			case redis.Message:
				var ev Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					ev = Event{"raw": string(msg.Data)}
				}
				select {
				case ch <- ev:
				case <-done:
					return
				default:
					// Slow subscriber: drop, snapshots reconcile.
				}
			case error:
				return
			}
		}
	}()

	cancel := func() {
		close(done)
		psc.Unsubscribe(channelFor(taskID))
		conn.Close()
	}
	return &Subscription{C: ch, cancel: cancel}, nil
}

func (b *RedisBus) RequestCancel(taskID string) error {
	conn := b.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("SET", cancelKey(taskID), "1", "EX", int(b.cancelTTL.Seconds())); err != nil {
		return err
	}
	return b.Publish(taskID, Event{"message": "Cancel requested", "taskId": taskID})
}

func (b *RedisBus) IsCancelled(taskID string) bool {
	conn := b.pool.Get()
	defer conn.Close()
	exists, err := redis.Bool(conn.Do("EXISTS", cancelKey(taskID)))
	if err != nil {
		return false
	}
	return exists
}

func (b *RedisBus) ClearCancel(taskID string) error {
	conn := b.pool.Get()
	defer conn.Close()
	_, err := conn.Do("DEL", cancelKey(taskID))
	return err
}

func (b *RedisBus) Close() error {
	return b.pool.Close()
}
