package task

import (
	"context"

	"github.com/nsqio/go-nsq"

	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/tracing"
)

// Publisher enqueues task envelopes. The NSQ producer satisfies it in
// production; tests substitute an in-memory fake.
type Publisher interface {
	Publish(ctx context.Context, t *Task) error
}

// NSQPublisher publishes envelopes to a single NSQ topic, carrying the
// active trace context inside the envelope.
type NSQPublisher struct {
	producer *nsq.Producer
	topic    string
	logger   *logging.Logger
}

func NewNSQPublisher(nsqdAddr, topic string, logger *logging.Logger) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQPublisher{producer: producer, topic: topic, logger: logger}, nil
}

func (p *NSQPublisher) Publish(ctx context.Context, t *Task) error {
	t.Trace = tracing.PropagateTraceToNSQ(ctx)

	body, err := t.Encode()
	if err != nil {
		return err
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		p.logger.WithContext(ctx).WithTask(t.Name).WithError(err).Error("failed to publish task")
		return err
	}
	p.logger.WithContext(ctx).WithTask(t.Name).WithField("task_id", t.ID).Debug("task published")
	return nil
}

// Stop flushes and shuts down the underlying producer.
func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}
