// Package service orchestrates sample analyses: it admits tasks under a
// concurrency cap, detonates each sample in a sandbox instance, scores
// the recorded behavior and publishes the verdict.
package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"blastpit/internal/analysis/model"
	"blastpit/internal/analysis/repository"
	"blastpit/internal/common/cache"
	"blastpit/internal/common/mq"
	"blastpit/internal/common/storage"
	"blastpit/internal/metrics"
	"blastpit/internal/sandbox"
	"blastpit/internal/sandbox/event"
	"blastpit/internal/sandbox/policy"
	appErr "blastpit/pkg/errors"
	"blastpit/pkg/utils/logger"
)

const (
	dedupeKeyPrefix     = "analysis:dedupe:"
	defaultSamplePrefix = "samples"

	defaultMaxConcurrent  = 8
	defaultAcquireTimeout = 2 * time.Second
	defaultMaxSampleBytes = 64 << 20
	defaultDedupeTTL      = 5 * time.Minute

	scoreMalicious  = 60
	scoreSuspicious = 20
)

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	Cache   time.Duration
	Storage time.Duration
	Status  time.Duration
	Publish time.Duration
}

// Config holds analysis service dependencies and settings.
type Config struct {
	Manager   *sandbox.Manager
	Repo      *repository.AnalysisRepository
	Publisher repository.ReportPublisher
	Storage   storage.ObjectStorage
	Cache     cache.Cache
	MQ        mq.MessageQueue
	Metrics   *metrics.Collector

	TaskTopic       string
	SampleBucket    string
	SampleKeyPrefix string
	MaxSampleBytes  int64
	MaxConcurrent   int
	AcquireTimeout  time.Duration
	DedupeTTL       time.Duration
	DeleteSamples   bool
	Timeouts        TimeoutConfig
}

// AnalysisService runs the detonation pipeline.
type AnalysisService struct {
	manager   *sandbox.Manager
	repo      *repository.AnalysisRepository
	publisher repository.ReportPublisher
	storage   storage.ObjectStorage
	cache     cache.Cache
	mq        mq.MessageQueue
	metrics   *metrics.Collector

	taskTopic       string
	sampleBucket    string
	sampleKeyPrefix string
	maxSampleBytes  int64
	acquireTimeout  time.Duration
	dedupeTTL       time.Duration
	deleteSamples   bool
	timeouts        TimeoutConfig

	sem chan struct{}
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(cfg Config) (*AnalysisService, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("sandbox manager is required")
	}
	if cfg.Repo == nil {
		return nil, fmt.Errorf("analysis repository is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("report publisher is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.SampleBucket == "" {
		return nil, fmt.Errorf("sample bucket is required")
	}
	if cfg.SampleKeyPrefix == "" {
		cfg.SampleKeyPrefix = defaultSamplePrefix
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.MaxSampleBytes <= 0 {
		cfg.MaxSampleBytes = defaultMaxSampleBytes
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	return &AnalysisService{
		manager:         cfg.Manager,
		repo:            cfg.Repo,
		publisher:       cfg.Publisher,
		storage:         cfg.Storage,
		cache:           cfg.Cache,
		mq:              cfg.MQ,
		metrics:         cfg.Metrics,
		taskTopic:       cfg.TaskTopic,
		sampleBucket:    cfg.SampleBucket,
		sampleKeyPrefix: cfg.SampleKeyPrefix,
		maxSampleBytes:  cfg.MaxSampleBytes,
		acquireTimeout:  cfg.AcquireTimeout,
		dedupeTTL:       cfg.DedupeTTL,
		deleteSamples:   cfg.DeleteSamples,
		timeouts:        cfg.Timeouts,
		sem:             make(chan struct{}, cfg.MaxConcurrent),
	}, nil
}

// Analyze runs one task through the full pipeline. Failures mark the
// analysis failed with the coded error message and are returned so the
// queue layer can retry or dead-letter the task.
func (s *AnalysisService) Analyze(ctx context.Context, task model.Task) (model.Report, error) {
	if err := s.validateTask(&task); err != nil {
		return model.Report{}, err
	}
	if err := s.acquire(ctx); err != nil {
		s.markFailed(ctx, task, "", err)
		return model.Report{}, err
	}
	defer s.release()

	start := time.Now()
	report, err := s.run(ctx, task)
	if err != nil {
		return model.Report{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveAnalysis(string(report.Verdict), time.Since(start))
	}
	return report, nil
}

func (s *AnalysisService) run(ctx context.Context, task model.Task) (model.Report, error) {
	if err := s.markRunning(ctx, task); err != nil {
		return model.Report{}, err
	}

	sample, err := s.fetchSample(ctx, task)
	if err != nil {
		s.markFailed(ctx, task, "", err)
		return model.Report{}, err
	}
	sum := blake2b.Sum256(sample)
	digest := hex.EncodeToString(sum[:])

	unlock, err := s.lockDigest(ctx, digest)
	if err != nil {
		s.markFailed(ctx, task, digest, err)
		return model.Report{}, err
	}
	defer unlock()

	pol, err := policy.Preset(task.PolicyPreset)
	if err != nil {
		s.markFailed(ctx, task, digest, err)
		return model.Report{}, err
	}

	inst, err := s.manager.CreateInstance(ctx, &pol)
	if err != nil {
		s.markFailed(ctx, task, digest, err)
		return model.Report{}, err
	}
	if s.metrics != nil {
		s.metrics.InstanceStarted()
	}
	defer func() {
		if err := inst.Terminate(); err != nil && !appErr.Is(err, appErr.InstanceTerminated) {
			logger.Warn(ctx, "terminate analysis instance failed",
				zap.String("instance_id", inst.ID()), zap.Error(err))
		}
		if s.metrics != nil {
			s.metrics.InstanceStopped()
		}
	}()

	execStart := time.Now()
	res, err := inst.Execute(ctx, sample)
	if err != nil {
		s.markFailed(ctx, task, digest, err)
		return model.Report{}, err
	}
	if s.metrics != nil {
		s.metrics.ObserveExecution(executionOutcome(res), time.Since(execStart))
	}

	score := RiskScore(res.SecurityEvents)
	verdict := VerdictFor(score)
	report := model.Report{
		AnalysisID:   task.AnalysisID,
		SampleDigest: digest,
		Verdict:      verdict,
		RiskScore:    score,
		Result:       res,
		CompletedAt:  time.Now().Unix(),
	}

	if err := s.publishReport(ctx, report); err != nil {
		s.markFailed(ctx, task, digest, err)
		return model.Report{}, err
	}
	if err := s.markFinished(ctx, task, report); err != nil {
		return model.Report{}, err
	}
	s.removeSample(ctx, task)

	logger.Info(ctx, "analysis finished",
		zap.String("analysis_id", task.AnalysisID),
		zap.String("sample_digest", digest),
		zap.String("verdict", string(verdict)),
		zap.Int("risk_score", score),
		zap.Int("security_events", len(res.SecurityEvents)))
	return report, nil
}

// GetRecord returns the status record for one analysis.
func (s *AnalysisService) GetRecord(ctx context.Context, analysisID string) (model.Record, error) {
	if analysisID == "" {
		return model.Record{}, appErr.ValidationError("analysis_id", "required")
	}
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	return s.repo.Get(ctxStatus.ctx, analysisID)
}

// ListRecent returns the most recent analysis records.
func (s *AnalysisService) ListRecent(ctx context.Context, limit int64) ([]model.Record, error) {
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	return s.repo.ListRecent(ctxStatus.ctx, limit)
}

// Stats reports the indexed analysis count and per-status counters.
func (s *AnalysisService) Stats(ctx context.Context) (int64, map[model.Status]int64, error) {
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	total, err := s.repo.Count(ctxStatus.ctx)
	if err != nil {
		return 0, nil, err
	}
	counts, err := s.repo.StatusCounts(ctxStatus.ctx)
	if err != nil {
		return 0, nil, err
	}
	return total, counts, nil
}

func (s *AnalysisService) validateTask(task *model.Task) error {
	if task.AnalysisID == "" {
		return appErr.New(appErr.InvalidTask).WithMessage("analysis_id is required")
	}
	if task.SampleKey == "" {
		return appErr.New(appErr.InvalidTask).WithMessage("sample_key is required")
	}
	if task.SampleBucket == "" {
		task.SampleBucket = s.sampleBucket
	}
	return nil
}

func (s *AnalysisService) acquire(ctx context.Context) error {
	timer := time.NewTimer(s.acquireTimeout)
	defer timer.Stop()
	select {
	case s.sem <- struct{}{}:
		if s.metrics != nil {
			s.metrics.AnalysisAdmitted()
		}
		return nil
	case <-timer.C:
		return appErr.New(appErr.AnalysisQueueFull).WithMessage("analysis queue is full")
	case <-ctx.Done():
		return appErr.Wrap(ctx.Err(), appErr.Timeout)
	}
}

func (s *AnalysisService) release() {
	<-s.sem
	if s.metrics != nil {
		s.metrics.AnalysisSettled()
	}
}

func (s *AnalysisService) fetchSample(ctx context.Context, task model.Task) ([]byte, error) {
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	obj, err := s.storage.GetObject(ctxStorage.ctx, task.SampleBucket, task.SampleKey)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SampleFetchFailed, "fetch sample failed")
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, s.maxSampleBytes+1))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SampleFetchFailed, "read sample failed")
	}
	if int64(len(data)) > s.maxSampleBytes {
		return nil, appErr.Newf(appErr.SampleTooLarge,
			"sample exceeds the %d byte limit", s.maxSampleBytes)
	}
	if len(data) == 0 {
		return nil, appErr.New(appErr.SampleFetchFailed).WithMessage("sample is empty")
	}
	return data, nil
}

// lockDigest guards against detonating the same sample concurrently.
// A held lock fails the task so the queue redelivers it later.
func (s *AnalysisService) lockDigest(ctx context.Context, digest string) (func(), error) {
	if s.cache == nil {
		return func() {}, nil
	}
	key := dedupeKeyPrefix + digest
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	acquired, err := s.cache.TryLock(ctxCache.ctx, key, s.dedupeTTL)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "acquire digest lock failed")
	}
	if !acquired {
		return nil, appErr.New(appErr.TooManyRequests).WithMessage("sample is already being analyzed")
	}
	return func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.cache.Unlock(ctxUnlock, key); err != nil {
			logger.Warn(ctx, "release digest lock failed", zap.Error(err))
		}
	}, nil
}

func (s *AnalysisService) markRunning(ctx context.Context, task model.Task) error {
	rec := model.Record{
		AnalysisID:   task.AnalysisID,
		Status:       model.StatusRunning,
		SampleKey:    task.SampleKey,
		PolicyPreset: task.PolicyPreset,
		SubmittedAt:  task.SubmittedAt,
		StartedAt:    time.Now().Unix(),
	}
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	if err := s.repo.Save(ctxStatus.ctx, rec); err != nil {
		return err
	}
	if err := s.repo.IncrStatus(ctxStatus.ctx, model.StatusRunning); err != nil {
		logger.Warn(ctx, "bump running counter failed", zap.Error(err))
	}
	return nil
}

func (s *AnalysisService) markFinished(ctx context.Context, task model.Task, report model.Report) error {
	rec := model.Record{
		AnalysisID:   task.AnalysisID,
		Status:       model.StatusFinished,
		Verdict:      report.Verdict,
		RiskScore:    report.RiskScore,
		SampleDigest: report.SampleDigest,
		SampleKey:    task.SampleKey,
		PolicyPreset: task.PolicyPreset,
		SubmittedAt:  task.SubmittedAt,
		CompletedAt:  report.CompletedAt,
	}
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	if err := s.repo.Save(ctxStatus.ctx, rec); err != nil {
		return err
	}
	if err := s.repo.IncrStatus(ctxStatus.ctx, model.StatusFinished); err != nil {
		logger.Warn(ctx, "bump finished counter failed", zap.Error(err))
	}
	return nil
}

func (s *AnalysisService) markFailed(ctx context.Context, task model.Task, digest string, cause error) {
	rec := model.Record{
		AnalysisID:   task.AnalysisID,
		Status:       model.StatusFailed,
		SampleDigest: digest,
		SampleKey:    task.SampleKey,
		PolicyPreset: task.PolicyPreset,
		SubmittedAt:  task.SubmittedAt,
		Error:        appErr.GetError(cause).Error(),
		CompletedAt:  time.Now().Unix(),
	}
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	if err := s.repo.Save(ctxStatus.ctx, rec); err != nil {
		logger.Warn(ctx, "mark analysis failed errored",
			zap.String("analysis_id", task.AnalysisID), zap.Error(err))
		return
	}
	if err := s.repo.IncrStatus(ctxStatus.ctx, model.StatusFailed); err != nil {
		logger.Warn(ctx, "bump failed counter failed", zap.Error(err))
	}
}

func (s *AnalysisService) publishReport(ctx context.Context, report model.Report) error {
	ctxPublish := withTimeout(ctx, s.timeouts.Publish)
	defer ctxPublish.cancel()
	return s.publisher.PublishReport(ctxPublish.ctx, report)
}

// removeSample deletes the analyzed object when configured to. Failures
// only log; the analysis already succeeded.
func (s *AnalysisService) removeSample(ctx context.Context, task model.Task) {
	if !s.deleteSamples {
		return
	}
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.RemoveObjects(ctxStorage.ctx, task.SampleBucket, []string{task.SampleKey}); err != nil {
		logger.Warn(ctx, "remove analyzed sample failed",
			zap.String("sample_key", task.SampleKey), zap.Error(err))
	}
}

// RiskScore sums severity weights over the recorded events, clamped
// to 100.
func RiskScore(events []event.Event) int {
	score := 0
	for _, ev := range events {
		switch ev.Severity {
		case event.SeverityLow:
			score += 1
		case event.SeverityMedium:
			score += 5
		case event.SeverityHigh:
			score += 20
		case event.SeverityCritical:
			score += 50
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

// VerdictFor maps a risk score to a verdict.
func VerdictFor(score int) model.Verdict {
	switch {
	case score >= scoreMalicious:
		return model.VerdictMalicious
	case score >= scoreSuspicious:
		return model.VerdictSuspicious
	default:
		return model.VerdictClean
	}
}

func executionOutcome(res sandbox.Result) string {
	switch {
	case res.Success:
		return "completed"
	case len(res.SecurityEvents) > 0:
		return "security_violation"
	default:
		return "failed"
	}
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
