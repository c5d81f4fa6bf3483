package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"blastpit/internal/analysis/model"
	"blastpit/internal/common/cache"
	appErr "blastpit/pkg/errors"
)

const (
	recordKeyPrefix      = "analysis:record:"
	recordIndexKey       = "analysis:index"
	statusCountKeyPrefix = "analysis:count:"

	defaultRecordTTL = 24 * time.Hour
	defaultIndexCap  = 1024
)

// AnalysisRepository keeps per-analysis status records in the cache,
// with a time-ordered index over the most recent ones and running
// counters per status.
type AnalysisRepository struct {
	cache    cache.Cache
	ttl      time.Duration
	indexCap int64
}

// NewAnalysisRepository creates a repository with default TTL and index cap.
func NewAnalysisRepository(cacheClient cache.Cache) *AnalysisRepository {
	return NewAnalysisRepositoryWithTTL(cacheClient, defaultRecordTTL, defaultIndexCap)
}

// NewAnalysisRepositoryWithTTL creates a repository with a custom record
// TTL and index cap.
func NewAnalysisRepositoryWithTTL(cacheClient cache.Cache, ttl time.Duration, indexCap int64) *AnalysisRepository {
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	if indexCap <= 0 {
		indexCap = defaultIndexCap
	}
	return &AnalysisRepository{
		cache:    cacheClient,
		ttl:      ttl,
		indexCap: indexCap,
	}
}

// Save persists a record and refreshes its position in the recency
// index. The index is capped; the oldest entries fall out.
func (r *AnalysisRepository) Save(ctx context.Context, rec model.Record) error {
	if rec.AnalysisID == "" {
		return appErr.ValidationError("analysis_id", "required")
	}
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal analysis record failed: %w", err)
	}
	ttl := cache.JitterTTL(r.ttl)
	err = r.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.Set(recordKeyPrefix+rec.AnalysisID, string(data), ttl); err != nil {
			return err
		}
		if err := pipe.ZAdd(recordIndexKey, cache.ZMember{
			Score:  float64(time.Now().UnixMilli()),
			Member: rec.AnalysisID,
		}); err != nil {
			return err
		}
		return pipe.ZRemRangeByRank(recordIndexKey, 0, -(r.indexCap + 1))
	})
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store analysis record failed")
	}
	return nil
}

// Get returns the record for one analysis.
func (r *AnalysisRepository) Get(ctx context.Context, analysisID string) (model.Record, error) {
	if analysisID == "" {
		return model.Record{}, appErr.ValidationError("analysis_id", "required")
	}
	if r.cache == nil {
		return model.Record{}, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := r.cache.Get(ctx, recordKeyPrefix+analysisID)
	if err != nil {
		return model.Record{}, appErr.Wrapf(err, appErr.CacheError, "read analysis record failed")
	}
	if val == "" {
		return model.Record{}, appErr.Newf(appErr.AnalysisNotFound, "analysis %s not found", analysisID)
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return model.Record{}, appErr.Wrapf(err, appErr.CacheError, "decode analysis record failed")
	}
	return rec, nil
}

// ListRecent returns up to limit records, newest first. Index entries
// whose record TTL has lapsed are pruned as they are encountered.
func (r *AnalysisRepository) ListRecent(ctx context.Context, limit int64) ([]model.Record, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	members, err := r.cache.ZRevRangeWithScores(ctx, recordIndexKey, 0, limit-1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read analysis index failed")
	}
	records := make([]model.Record, 0, len(members))
	for _, m := range members {
		val, err := r.cache.Get(ctx, recordKeyPrefix+m.Member)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "read analysis record failed")
		}
		if val == "" {
			_ = r.cache.ZRem(ctx, recordIndexKey, m.Member)
			continue
		}
		var rec model.Record
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode analysis record failed")
		}
		records = append(records, rec)
	}
	return records, nil
}

// Count returns the number of indexed analyses.
func (r *AnalysisRepository) Count(ctx context.Context) (int64, error) {
	if r.cache == nil {
		return 0, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	n, err := r.cache.ZCard(ctx, recordIndexKey)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "count analyses failed")
	}
	return n, nil
}

// IncrStatus bumps the running counter for one status transition.
func (r *AnalysisRepository) IncrStatus(ctx context.Context, status model.Status) error {
	if r.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	if _, err := r.cache.Incr(ctx, statusCountKeyPrefix+string(status)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "bump status counter failed")
	}
	return nil
}

// StatusCounts returns the transition counters for every status.
func (r *AnalysisRepository) StatusCounts(ctx context.Context) (map[model.Status]int64, error) {
	if r.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	counts := make(map[model.Status]int64, 4)
	for _, status := range []model.Status{
		model.StatusPending,
		model.StatusRunning,
		model.StatusFinished,
		model.StatusFailed,
	} {
		val, err := r.cache.Get(ctx, statusCountKeyPrefix+string(status))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "read status counter failed")
		}
		if val == "" {
			counts[status] = 0
			continue
		}
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.CacheError, "decode status counter failed")
		}
		counts[status] = n
	}
	return counts, nil
}
