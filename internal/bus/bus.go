// Package bus mirrors loop events onto Redis Streams and accepts loop
// control commands from another stream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-loop/internal/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	EventStream   = "nuka:events"
	ControlStream = "nuka:control"

	// Approximate cap on the event stream length.
	maxEvents = 10000
)

// MessageBus publishes events and carries control messages.
type MessageBus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewMessageBus connects to redisURL and pings it.
func NewMessageBus(ctx context.Context, redisURL string, logger *zap.Logger) (*MessageBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &MessageBus{rdb: rdb, logger: logger}, nil
}

// HandleEvent appends ev to the event stream.
func (mb *MessageBus) HandleEvent(ctx context.Context, ev *memory.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: EventStream,
		MaxLen: maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"type": ev.Type,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", EventStream, err)
	}
	return nil
}

// Control is a loop command carried on the control stream.
type Control struct {
	Command   string    `json:"command"`
	Stepped   bool      `json:"stepped,omitempty"`
	From      string    `json:"from,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishControl sends a command to whoever listens on the control stream.
func (mb *MessageBus) PublishControl(ctx context.Context, c Control) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = mb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: ControlStream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", ControlStream, err)
	}
	mb.logger.Debug("published control", zap.String("command", c.Command))
	return nil
}

// Subscribe reads control messages newer than the call. The channel is
// closed when ctx is cancelled.
func (mb *MessageBus) Subscribe(ctx context.Context) <-chan *Control {
	ch := make(chan *Control, 16)

	go func() {
		defer close(ch)
		lastID := "$"

		for ctx.Err() == nil {
			results, err := mb.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{ControlStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					mb.logger.Warn("control stream read failed", zap.Error(err))
					time.Sleep(time.Second)
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var c Control
					if json.Unmarshal([]byte(data), &c) != nil {
						continue
					}
					select {
					case ch <- &c:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Controller is the part of the loop engine the control stream drives.
type Controller interface {
	Start(stepped bool) error
	Stop() error
	Step() error
}

// Apply runs one control command against ctl.
func Apply(ctl Controller, c *Control) error {
	switch c.Command {
	case "start":
		return ctl.Start(c.Stepped)
	case "stop":
		return ctl.Stop()
	case "step":
		return ctl.Step()
	default:
		return fmt.Errorf("unknown control command %q", c.Command)
	}
}

// Listen applies control messages to ctl until ctx is cancelled. Failed
// commands are logged.
func (mb *MessageBus) Listen(ctx context.Context, ctl Controller) {
	for c := range mb.Subscribe(ctx) {
		if err := Apply(ctl, c); err != nil {
			mb.logger.Warn("control command failed",
				zap.String("command", c.Command),
				zap.String("from", c.From),
				zap.Error(err))
			continue
		}
		mb.logger.Info("control command applied", zap.String("command", c.Command), zap.String("from", c.From))
	}
}

// Close shuts down the Redis connection.
func (mb *MessageBus) Close() error {
	return mb.rdb.Close()
}
