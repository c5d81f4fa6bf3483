package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"blastpit/internal/analysis/model"
	"blastpit/internal/common/mq"
	appErr "blastpit/pkg/errors"
)

// ReportPublisher publishes analysis reports for downstream consumers.
type ReportPublisher interface {
	PublishReport(ctx context.Context, report model.Report) error
}

// MQReportPublisher publishes reports to a message queue topic.
type MQReportPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQReportPublisher creates a new MQ report publisher.
func NewMQReportPublisher(queue mq.MessageQueue, topic string) *MQReportPublisher {
	return &MQReportPublisher{queue: queue, topic: topic}
}

// PublishReport publishes one analysis report.
func (p *MQReportPublisher) PublishReport(ctx context.Context, report model.Report) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("report publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("report topic is required")
	}
	if report.AnalysisID == "" {
		return appErr.ValidationError("analysis_id", "required")
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = report.AnalysisID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.ReportPublishFailed, "publish report failed")
	}
	return nil
}
