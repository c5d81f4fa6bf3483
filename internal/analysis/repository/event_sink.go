package repository

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"blastpit/internal/analysis/model"
	"blastpit/internal/common/cache"
	"blastpit/internal/sandbox/event"
	appErr "blastpit/pkg/errors"
	"blastpit/pkg/utils/logger"
)

const (
	eventFeedKey       = "analysis:events:recent"
	defaultFeedCap     = 256
	defaultFeedTimeout = 2 * time.Second
)

// RedisEventSink mirrors recorded security events into a capped cache
// list so the ops surface can show a recent-events feed.
type RedisEventSink struct {
	cache   cache.Cache
	feedCap int64
	timeout time.Duration
}

// NewRedisEventSink creates an event sink writing to the cache feed.
func NewRedisEventSink(cacheClient cache.Cache, feedCap int64) *RedisEventSink {
	if feedCap <= 0 {
		feedCap = defaultFeedCap
	}
	return &RedisEventSink{
		cache:   cacheClient,
		feedCap: feedCap,
		timeout: defaultFeedTimeout,
	}
}

// OnEvent implements event.Sink. Delivery happens off the recording
// goroutine; a slow cache never stalls an execution.
func (s *RedisEventSink) OnEvent(instanceID string, ev event.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.Record(ctx, instanceID, ev); err != nil {
			logger.Warn(ctx, "record security event to feed failed",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
	}()
}

// Record appends one event to the feed and trims it to the cap.
func (s *RedisEventSink) Record(ctx context.Context, instanceID string, ev event.Event) error {
	if s.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	entry := model.AuditEvent{
		InstanceID: instanceID,
		EventType:  string(ev.Type),
		Severity:   string(ev.Severity),
		Details:    ev.Details,
		Timestamp:  ev.Timestamp,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode audit event failed")
	}
	if err := s.cache.LPush(ctx, eventFeedKey, string(data)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "push audit event failed")
	}
	if err := s.cache.LTrim(ctx, eventFeedKey, 0, s.feedCap-1); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "trim audit feed failed")
	}
	return nil
}

// Recent returns up to n feed entries, newest first. Entries that fail
// to decode are skipped.
func (s *RedisEventSink) Recent(ctx context.Context, n int64) ([]model.AuditEvent, error) {
	if s.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if n <= 0 {
		n = 50
	}
	raw, err := s.cache.LRange(ctx, eventFeedKey, 0, n-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read audit feed failed")
	}
	entries := make([]model.AuditEvent, 0, len(raw))
	for _, item := range raw {
		var entry model.AuditEvent
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

var _ event.Sink = (*RedisEventSink)(nil)
