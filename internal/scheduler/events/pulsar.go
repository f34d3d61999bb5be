package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
	"github.com/armadaproject/sessionscheduler/internal/common/logging"
)

const typeProperty = "type"

// PulsarEventProducer publishes JSON-encoded events to a Pulsar topic.
type PulsarEventProducer struct {
	// Used to send messages to pulsar
	producer pulsar.Producer
	// Timeout after which async messages sends will be considered failed
	sendTimeout time.Duration
}

func NewPulsarEventProducer(
	pulsarClient pulsar.Client,
	producerOptions pulsar.ProducerOptions,
	sendTimeout time.Duration,
) (*PulsarEventProducer, error) {
	producer, err := pulsarClient.CreateProducer(producerOptions)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newPulsarEventProducer(producer, sendTimeout), nil
}

func newPulsarEventProducer(producer pulsar.Producer, sendTimeout time.Duration) *PulsarEventProducer {
	return &PulsarEventProducer{
		producer:    producer,
		sendTimeout: sendTimeout,
	}
}

// Publish sends every event asynchronously and waits for all sends to complete.
func (p *PulsarEventProducer) Publish(ctx *logcontext.Context, events ...Event) error {
	msgs := make([]*pulsar.ProducerMessage, len(events))
	for i, event := range events {
		bytes, err := json.Marshal(event)
		if err != nil {
			return errors.Wrapf(err, "error encoding %s event", event.Kind())
		}
		msgs[i] = &pulsar.ProducerMessage{
			Payload:    bytes,
			Key:        event.Key(),
			Properties: map[string]string{typeProperty: string(event.Kind())},
		}
	}

	wg := sync.WaitGroup{}
	wg.Add(len(msgs))

	sendCtx, cancel := logcontext.WithTimeout(ctx, p.sendTimeout)
	defer cancel()
	var mu sync.Mutex
	var result *multierror.Error
	for _, msg := range msgs {
		p.producer.SendAsync(sendCtx, msg, func(_ pulsar.MessageID, msg *pulsar.ProducerMessage, err error) {
			defer wg.Done()
			if err == nil {
				return
			}
			logging.
				WithStacktrace(ctx.Log, err).
				WithField("type", msg.Properties[typeProperty]).
				Error("error sending message to Pulsar")
			mu.Lock()
			result = multierror.Append(result, err)
			mu.Unlock()
		})
	}
	wg.Wait()
	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(err, "one or more events failed to send to Pulsar")
	}
	return nil
}

func (p *PulsarEventProducer) Close() {
	p.producer.Close()
}
