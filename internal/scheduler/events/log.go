package events

import (
	"github.com/sirupsen/logrus"

	"github.com/armadaproject/sessionscheduler/internal/common/logcontext"
)

// LogEventProducer writes events to the log. It is used when no Pulsar topic is configured.
type LogEventProducer struct{}

func (LogEventProducer) Publish(ctx *logcontext.Context, events ...Event) error {
	for _, event := range events {
		ctx.Log.WithFields(logrus.Fields{
			"event": event.Kind(),
			"key":   event.Key(),
		}).Infof("%+v", event)
	}
	return nil
}

func (LogEventProducer) Close() {}
