package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"blastpit/internal/analysis/model"
	"blastpit/internal/common/mq"
	appErr "blastpit/pkg/errors"
	"blastpit/pkg/utils/logger"
)

// HandleTaskMessage processes one analysis task from the queue. An
// error return lets the queue layer retry and eventually dead-letter
// the task.
func (s *AnalysisService) HandleTaskMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var task model.Task
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		return appErr.Wrapf(err, appErr.InvalidTask, "decode analysis task failed")
	}
	logger.Info(ctx, "analysis task received",
		zap.String("analysis_id", task.AnalysisID),
		zap.String("sample_key", task.SampleKey),
		zap.Int("retry_count", msg.RetryCount))
	_, err := s.Analyze(ctx, task)
	return err
}

// SubmitTasks queues a batch of analysis tasks. Tasks without an id get
// one assigned; every accepted task is recorded as pending. The created
// ids are returned in input order.
func (s *AnalysisService) SubmitTasks(ctx context.Context, tasks []model.Task) ([]string, error) {
	if s.mq == nil {
		return nil, appErr.New(appErr.ServiceUnavailable).WithMessage("task queue is not configured")
	}
	if s.taskTopic == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("task topic is required")
	}
	if len(tasks) == 0 {
		return nil, appErr.ValidationError("tasks", "required")
	}

	now := time.Now().Unix()
	ids := make([]string, 0, len(tasks))
	messages := make([]*mq.Message, 0, len(tasks))
	for i := range tasks {
		task := tasks[i]
		if task.SampleKey == "" {
			return nil, appErr.New(appErr.InvalidTask).WithMessage("sample_key is required")
		}
		if task.AnalysisID == "" {
			task.AnalysisID = uuid.NewString()
		}
		if task.SampleBucket == "" {
			task.SampleBucket = s.sampleBucket
		}
		if task.SubmittedAt == 0 {
			task.SubmittedAt = now
		}
		body, err := json.Marshal(task)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidTask, "encode analysis task failed")
		}
		message := mq.NewMessage(body)
		message.ID = task.AnalysisID

		ids = append(ids, task.AnalysisID)
		messages = append(messages, message)
		tasks[i] = task
	}

	for _, task := range tasks {
		if err := s.markPending(ctx, task); err != nil {
			return nil, err
		}
	}
	ctxPublish := withTimeout(ctx, s.timeouts.Publish)
	defer ctxPublish.cancel()
	if err := s.mq.PublishBatch(ctxPublish.ctx, s.taskTopic, messages); err != nil {
		return nil, appErr.Wrapf(err, appErr.PublishFailed, "publish analysis tasks failed")
	}
	return ids, nil
}

func (s *AnalysisService) markPending(ctx context.Context, task model.Task) error {
	rec := model.Record{
		AnalysisID:   task.AnalysisID,
		Status:       model.StatusPending,
		SampleKey:    task.SampleKey,
		PolicyPreset: task.PolicyPreset,
		SubmittedAt:  task.SubmittedAt,
	}
	ctxStatus := withTimeout(ctx, s.timeouts.Status)
	defer ctxStatus.cancel()
	if err := s.repo.Save(ctxStatus.ctx, rec); err != nil {
		return err
	}
	if err := s.repo.IncrStatus(ctxStatus.ctx, model.StatusPending); err != nil {
		logger.Warn(ctx, "bump pending counter failed", zap.Error(err))
	}
	return nil
}
