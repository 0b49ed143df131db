package redisx

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bus fans out booking-change notifications (for cross-instance cache
// invalidation) and best-effort job-worker kicks after a confirmation.
type Bus struct {
	rdb *redis.Client
}

func NewBus(rdb *redis.Client) *Bus {
	return &Bus{rdb: rdb}
}

type bookingChangedMsg struct {
	Type      string `json:"type"`
	MachineID int64  `json:"machine_id"`
	BookingID int64  `json:"booking_id"`
	TsUnix    int64  `json:"ts_unix"`
}

func (b *Bus) PublishBookingChanged(ctx context.Context, machineID, bookingID int64) error {
	msg := bookingChangedMsg{
		Type:      "booking_changed",
		MachineID: machineID,
		BookingID: bookingID,
		TsUnix:    time.Now().Unix(),
	}

	raw, _ := json.Marshal(msg)

	return b.rdb.Publish(ctx, ChannelBookingsChanged(), raw).Err()
}

// KickJobs nudges the job worker to drain the queue now instead of waiting
// for the next sweep. Best effort: a lost kick only delays the work.
func (b *Bus) KickJobs(ctx context.Context) error {
	return b.rdb.Publish(ctx, ChannelJobsKick(), "kick").Err()
}

func (b *Bus) SubscribeBookingsChanged(ctx context.Context, handler func(ctx context.Context, machineID int64)) error {
	sub := b.rdb.Subscribe(ctx, ChannelBookingsChanged())
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg bookingChangedMsg
			if err := json.Unmarshal([]byte(m.Payload), &msg); err == nil && msg.MachineID != 0 {
				handler(ctx, msg.MachineID)
			}
		}
	}
}

func (b *Bus) SubscribeJobKicks(ctx context.Context, handler func(ctx context.Context)) error {
	sub := b.rdb.Subscribe(ctx, ChannelJobsKick())
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(64))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			handler(ctx)
		}
	}
}
