package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

const (
	appID          = "report-signal-service"
	confirmTimeout = 5 * time.Second
	confirmBuffer  = 16
)

// Publisher emits JSON events on one routing key. Every publish waits for
// the broker confirm, so a nil error means the event is queued durably.
type Publisher struct {
	mu         sync.Mutex
	url        string
	exchange   string
	routingKey string

	sess     *session
	confirms chan amqp.Confirmation
	// delivery tags issued on the current channel
	published uint64
}

func NewPublisher(url, exchange, routingKey string) (*Publisher, error) {
	p := &Publisher{url: url, exchange: exchange, routingKey: routingKey}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.openLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Publisher) openLocked() error {
	sess, err := dial(p.url, p.exchange)
	if err != nil {
		return err
	}
	if err := sess.ch.Confirm(false); err != nil {
		_ = sess.close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	p.sess = sess
	p.confirms = sess.ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	p.published = 0
	return nil
}

func (p *Publisher) resetLocked() error {
	if p.sess.alive() {
		return nil
	}
	_ = p.sess.close()
	p.sess = nil
	return p.openLocked()
}

// Publish sends event and blocks until the broker acks it, ctx ends or the
// confirm timeout passes
func (p *Publisher) Publish(ctx context.Context, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    uuid.NewString(),
		AppId:        appID,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.resetLocked(); err != nil {
		return err
	}

	err = p.sess.ch.Publish(p.exchange, p.routingKey, false, false, msg)
	if isClosedErr(err) {
		log.WithError(err).Warnf("Publisher channel closed, reconnecting to exchange %s", p.exchange)
		_ = p.sess.close()
		p.sess = nil
		if openErr := p.openLocked(); openErr != nil {
			return fmt.Errorf("failed to publish %s: %w (reconnect failed: %v)", msg.MessageId, err, openErr)
		}
		err = p.sess.ch.Publish(p.exchange, p.routingKey, false, false, msg)
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.MessageId, err)
	}
	p.published++
	return p.awaitConfirmLocked(ctx, p.published)
}

// awaitConfirmLocked skips confirms of earlier publishes whose callers gave
// up waiting
func (p *Publisher) awaitConfirmLocked(ctx context.Context, tag uint64) error {
	timer := time.NewTimer(confirmTimeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return errors.New("channel closed before the broker confirmed the event")
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("broker nacked delivery %d on %s", tag, p.routingKey)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("no confirm for delivery %d within %s", tag, confirmTimeout)
		}
	}
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.sess.close()
	p.sess = nil
	return err
}

func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess.alive()
}
