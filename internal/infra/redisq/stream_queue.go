package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"taskrelay/internal/domain"
	"taskrelay/internal/ports"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.Queue = (*Client)(nil)

const payloadField = "task"

type dispatchMessage struct {
	TaskID string `json:"task_id"`
	Kind   string `json:"kind"`
}

// Dispatch appends the task to the stream; exactly one consumer in the group
// will claim it.
func (c *Client) Dispatch(ctx context.Context, t domain.Task) error {
	b, err := json.Marshal(dispatchMessage{TaskID: t.ID, Kind: t.Kind})
	if err != nil {
		return err
	}
	return c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.StreamKey,
		Values: map[string]interface{}{payloadField: b},
	}).Err()
}

func (c *Client) Claim(ctx context.Context, consumer string, block time.Duration) (*ports.Delivery, error) {
	res, err := c.Rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.Cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.Cfg.StreamKey, ">"},
		Count:    1,
		Block:    block,
	}).Result()

	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}

	d := decodeDelivery(res[0].Messages[0])
	return &d, nil
}

func (c *Client) Ack(ctx context.Context, streamID string) error {
	return c.Rdb.XAck(ctx, c.Cfg.StreamKey, c.Cfg.Group, streamID).Err()
}

// Touch re-claims the message for the same consumer, which resets its idle time.
func (c *Client) Touch(ctx context.Context, consumer, streamID string) error {
	return c.Rdb.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   c.Cfg.StreamKey,
		Group:    c.Cfg.Group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: []string{streamID},
	}).Err()
}

func (c *Client) DeadLetter(ctx context.Context, d ports.Delivery, reason string) error {
	if err := c.Rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.Cfg.DLQStreamKey,
		Values: map[string]interface{}{
			payloadField: d.Raw,
			"stream_id":  d.StreamID,
			"reason":     reason,
		},
	}).Err(); err != nil {
		return err
	}
	return c.Ack(ctx, d.StreamID)
}

func (c *Client) Stale(ctx context.Context, minIdle time.Duration, count int64) ([]ports.Delivery, error) {
	pending, err := c.Rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.Cfg.StreamKey,
		Group:  c.Cfg.Group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending: %w", err)
	}

	out := make([]ports.Delivery, 0, len(pending))
	for _, p := range pending {
		msgs, err := c.Rdb.XRangeN(ctx, c.Cfg.StreamKey, p.ID, p.ID, 1).Result()
		if err != nil {
			return nil, fmt.Errorf("xrange %s: %w", p.ID, err)
		}
		if len(msgs) == 0 {
			// trimmed from the stream; nothing left to fail
			out = append(out, ports.Delivery{StreamID: p.ID})
			continue
		}
		out = append(out, decodeDelivery(msgs[0]))
	}
	return out, nil
}

func decodeDelivery(msg redis.XMessage) ports.Delivery {
	d := ports.Delivery{StreamID: msg.ID}

	var raw []byte
	switch v := msg.Values[payloadField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		d.Raw = fmt.Sprintf("%v", v)
		return d
	}
	d.Raw = string(raw)

	var m dispatchMessage
	if err := json.Unmarshal(raw, &m); err == nil {
		d.TaskID = m.TaskID
	}
	return d
}
