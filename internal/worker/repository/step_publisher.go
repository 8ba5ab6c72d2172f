package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sandboxd/internal/common/mq"
	"sandboxd/internal/worker"
	appErr "sandboxd/pkg/errors"
)

// MQStepPublisher publishes step events to a message queue keyed by execution.
type MQStepPublisher struct {
	producer mq.Producer
	topic    string
	nodeID   string
}

// NewMQStepPublisher creates a new publisher.
func NewMQStepPublisher(producer mq.Producer, topic, nodeID string) *MQStepPublisher {
	return &MQStepPublisher{producer: producer, topic: topic, nodeID: nodeID}
}

func (p *MQStepPublisher) PublishStep(ctx context.Context, ev worker.StepEvent) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("step publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("step topic is required")
	}
	if ev.Execution == "" {
		return appErr.ValidationError("execution", "required")
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return appErr.Wrap(fmt.Errorf("marshal step event failed: %w", err), appErr.EncodingFailed)
	}
	message := mq.NewMessage(ev.Execution, payload)
	message.Timestamp = ev.Timestamp
	message.SetHeader("event-id", ev.EventID)
	message.SetHeader("step", ev.Step)
	if p.nodeID != "" {
		message.SetHeader("node", p.nodeID)
	}
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish step event failed")
	}
	return nil
}

var _ worker.Publisher = (*MQStepPublisher)(nil)
