package broker

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const (
	HeaderDeadLetterError  = "x-dead-letter-error"
	HeaderDeadLetterSource = "x-dead-letter-source"
)

func fields(m Message) logrus.Fields {
	return logrus.Fields{
		"topic":     m.Topic,
		"partition": m.Partition,
		"offset":    m.Offset,
		"key":       m.Key,
	}
}

// Retry re-invokes h on error with exponential backoff, at most attempts times
// in total. The last error is returned. Errors wrapped with backoff.Permanent
// are not retried.
func Retry(h Handler, attempts int, initial time.Duration) Handler {
	if attempts <= 1 {
		return h
	}
	return func(ctx context.Context, m Message) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxElapsedTime = 0
		policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

		n := 0
		return backoff.Retry(func() error {
			n++
			err := h(ctx, m)
			if err != nil {
				logrus.WithFields(fields(m)).WithField("attempt", n).WithError(err).Warn("handler failed")
			}
			return err
		}, policy)
	}
}

// DeadLetter turns a failing record into a committed one. When pub is non-nil
// and topic is set the record is forwarded there first; if that forward
// fails too the error is returned so the record is not lost.
func DeadLetter(h Handler, pub Publisher, topic string) Handler {
	return func(ctx context.Context, m Message) error {
		err := h(ctx, m)
		if err == nil {
			return nil
		}
		log := logrus.WithFields(fields(m)).WithError(err)
		if pub == nil || topic == "" {
			log.Error("dropping record after handler failure")
			return nil
		}

		headers := CloneHeaders(m.Headers)
		headers[HeaderDeadLetterError] = err.Error()
		headers[HeaderDeadLetterSource] = m.Topic + "/" + strconv.Itoa(m.Partition) + "/" + strconv.FormatInt(m.Offset, 10)
		if perr := pub.Publish(ctx, Message{Topic: topic, Key: m.Key, Value: m.Value, Headers: headers}); perr != nil {
			log.WithField("dead_letter_error", perr).Error("dead-letter publish failed")
			return err
		}
		log.WithField("dead_letter_topic", topic).Warn("record moved to dead-letter topic")
		return nil
	}
}
