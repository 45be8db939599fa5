// Package messaging implements the cross-agent event bus on Redis pub/sub.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"engram/application/ports"
	"engram/domain/core"
	"engram/pkg/errors"
	"engram/pkg/observability"
)

// publishTimeout bounds each publish call.
const publishTimeout = 2 * time.Second

// Broadcaster publishes engine events. Failures are returned to callers
// as typed errors, but every caller in the engine treats them as
// best-effort.
type Broadcaster struct {
	rdb     redis.UniversalClient
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ ports.Broadcaster = (*Broadcaster)(nil)

// NewBroadcaster creates a broadcaster over the given Redis client.
func NewBroadcaster(rdb redis.UniversalClient, logger *zap.Logger, metrics *observability.Metrics) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{rdb: rdb, logger: logger, metrics: metrics}
}

// Publish sends msg as JSON on the channel.
func (b *Broadcaster) Publish(ctx context.Context, channel string, msg *core.BroadcastMessage) error {
	if b.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.NewData("broadcast.publish", "encode message", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	receivers, err := b.rdb.Publish(ctx, channel, raw).Result()
	if err != nil {
		b.logger.Warn("broadcast publish failed",
			zap.String("channel", channel), zap.Error(err))
		return errors.NewTransport("broadcast.publish", "publish failed", err)
	}
	b.metrics.RecordBroadcast(channel)
	b.logger.Debug("broadcast published",
		zap.String("channel", channel),
		zap.String("event", string(msg.Event)),
		zap.Int64("receivers", receivers))
	return nil
}

// PublishStatus announces agent liveness on the status channel.
func (b *Broadcaster) PublishStatus(ctx context.Context, agentID, status string) error {
	if b.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(map[string]string{
		"agent_id":  agentID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return errors.NewData("broadcast.status", "encode status", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, core.ChannelAgentStatus, raw).Err(); err != nil {
		return errors.NewTransport("broadcast.status", "publish failed", err)
	}
	b.metrics.RecordBroadcast(core.ChannelAgentStatus)
	return nil
}

// Fanout publishes a stored cell to every channel its scope and type
// demand: public or private, critical for core/profile, invalidate always.
func (b *Broadcaster) Fanout(ctx context.Context, cell *core.MemoryCell) {
	msg := core.NewBroadcast(cell, core.EventNewMemory)

	channel := core.ChannelPublic
	if cell.Scope == core.ScopePrivate {
		channel = core.PrivateChannel(cell.AgentID)
	}
	_ = b.Publish(ctx, channel, msg)

	if cell.Type == core.TypeCore || cell.Type == core.TypeProfile {
		_ = b.Publish(ctx, core.ChannelCritical, core.NewBroadcast(cell, core.EventCritical))
	}
	_ = b.Publish(ctx, core.ChannelInvalidate, core.NewBroadcast(cell, core.EventInvalidate))
}
