package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"report-signal-service/metrics"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// Message is a received delivery
type Message struct {
	Body       []byte
	RoutingKey string
	Timestamp  time.Time
	Attempt    int
}

func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. Return nil to ack, Permanent(err) to
// drop the message and any other error to retry it.
type CallbackFunc func(ctx context.Context, msg *Message) error

// PermanentError marks a processing failure as non-retriable
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const retryCountHeaderKey = "x-signals-retry-count"

type action string

const (
	actionAck   action = "ack"
	actionRetry action = "retry"
	actionDrop  action = "drop"
)

// decide maps a callback outcome to what happens with the delivery
func decide(callbackErr error, panicked bool, attempts, maxRetries int) action {
	switch {
	case panicked:
		return actionDrop
	case callbackErr == nil:
		return actionAck
	case IsPermanent(callbackErr):
		return actionDrop
	case attempts >= maxRetries:
		return actionDrop
	default:
		return actionRetry
	}
}

func retryBackoff(attempt int) time.Duration {
	d := time.Duration(attempt) * time.Second
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

func retryCountFromHeaders(headers amqp.Table) int {
	v, ok := headers[retryCountHeaderKey]
	if !ok || v == nil {
		return 0
	}
	var n int64
	switch t := v.(type) {
	case int:
		n = int64(t)
	case int32:
		n = int64(t)
	case int64:
		n = t
	case string:
		n, _ = strconv.ParseInt(t, 10, 64)
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

// Subscriber consumes a durable queue bound to a direct exchange and hands
// deliveries to a fixed pool of workers
type Subscriber struct {
	amqpURL    string
	sess       *session
	exchange   string
	queue      string
	workers    int
	maxRetries int

	// amqp.Channel is not safe for concurrent use
	opMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	connected atomic.Bool
}

func NewSubscriber(amqpURL, exchangeName, queueName string, workers, maxRetries int) (*Subscriber, error) {
	if workers < 1 {
		workers = 1
	}
	s := &Subscriber{
		amqpURL:    amqpURL,
		exchange:   exchangeName,
		queue:      queueName,
		workers:    workers,
		maxRetries: maxRetries,
		done:       make(chan struct{}),
	}

	s.opMu.Lock()
	err := s.reconnectLocked()
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subscriber) setConnected(v bool) {
	s.connected.Store(v)
	if v {
		metrics.RabbitMQConnected.Set(1)
	} else {
		metrics.RabbitMQConnected.Set(0)
	}
}

// reconnectLocked replaces the session and redeclares the queue. Caller
// must hold s.opMu.
func (s *Subscriber) reconnectLocked() error {
	_ = s.sess.close()
	s.sess = nil

	sess, err := dial(s.amqpURL, s.exchange)
	if err != nil {
		s.setConnected(false)
		return err
	}
	q, err := sess.ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = sess.close()
		s.setConnected(false)
		return fmt.Errorf("failed to declare queue %s: %w", s.queue, err)
	}
	s.queue = q.Name
	s.sess = sess
	s.setConnected(true)
	return nil
}

// Start begins consuming and dispatching deliveries by routing key
func (s *Subscriber) Start(callbacks map[string]CallbackFunc) {
	s.startOnce.Do(func() {
		jobs := make(chan amqp.Delivery, s.workers)

		for i := 0; i < s.workers; i++ {
			s.wg.Add(1)
			go func(workerID int) {
				defer s.wg.Done()
				for delivery := range jobs {
					s.handle(workerID, delivery, callbacks)
				}
			}(i + 1)
		}

		go s.consume(jobs, callbacks)
	})
}

// consume feeds jobs and reconnects with backoff when the broker goes away
func (s *Subscriber) consume(jobs chan<- amqp.Delivery, callbacks map[string]CallbackFunc) {
	defer close(jobs)
	backoff := time.Second
	sleep := func() bool {
		select {
		case <-s.done:
			return false
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		return true
	}

	for {
		select {
		case <-s.done:
			return
		default:
		}

		msgs, err := s.subscribe(callbacks)
		if err != nil {
			s.setConnected(false)
			log.WithError(err).Warnf("rabbitmq subscribe failed queue=%s", s.queue)
			if !sleep() {
				return
			}
			continue
		}

		log.Infof("rabbitmq consuming exchange=%s queue=%s workers=%d", s.exchange, s.queue, s.workers)
		backoff = time.Second

	deliveries:
		for {
			select {
			case <-s.done:
				return
			case delivery, ok := <-msgs:
				if !ok {
					s.setConnected(false)
					log.Warnf("rabbitmq delivery channel closed queue=%s, reconnecting", s.queue)
					break deliveries
				}
				jobs <- delivery
			}
		}
		if !sleep() {
			return
		}
	}
}

func (s *Subscriber) subscribe(callbacks map[string]CallbackFunc) (<-chan amqp.Delivery, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.sess.alive() {
		if err := s.reconnectLocked(); err != nil {
			return nil, err
		}
	}
	if err := s.sess.ch.Qos(s.workers, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}
	for routingKey := range callbacks {
		if err := s.sess.ch.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", routingKey, err)
		}
	}
	msgs, err := s.sess.ch.Consume(s.queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

func (s *Subscriber) handle(workerID int, delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	startedAt := time.Now()
	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	attempts := retryCountFromHeaders(delivery.Headers)
	msg := &Message{
		Body:       delivery.Body,
		RoutingKey: delivery.RoutingKey,
		Timestamp:  delivery.Timestamp,
		Attempt:    attempts,
	}

	var callbackErr error
	panicked := false
	callback, exists := callbacks[delivery.RoutingKey]
	if !exists {
		callbackErr = Permanent(fmt.Errorf("no callback for routing key %s", delivery.RoutingKey))
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					panicked = true
					callbackErr = fmt.Errorf("panic: %v", r)
				}
			}()
			callbackErr = callback(context.Background(), msg)
		}()
	}

	act := decide(callbackErr, panicked, attempts, s.maxRetries)
	var ackErr error
	switch act {
	case actionAck:
		s.opMu.Lock()
		ackErr = delivery.Ack(false)
		s.opMu.Unlock()
	case actionDrop:
		s.opMu.Lock()
		ackErr = delivery.Nack(false, false)
		s.opMu.Unlock()
	case actionRetry:
		select {
		case <-s.done:
		case <-time.After(retryBackoff(attempts + 1)):
		}
		ackErr = s.retry(delivery, attempts+1)
	}
	if ackErr != nil {
		metrics.AckErrorTotal.Inc()
	}
	metrics.ProcessedTotal.WithLabelValues(string(act)).Inc()

	entry := log.WithFields(log.Fields{
		"worker_id":    workerID,
		"routing_key":  delivery.RoutingKey,
		"delivery_tag": delivery.DeliveryTag,
		"attempt":      attempts,
		"action":       act,
		"duration_ms":  time.Since(startedAt).Milliseconds(),
	})
	switch {
	case ackErr != nil:
		entry.WithError(ackErr).Error("rabbitmq ack failed")
	case callbackErr != nil:
		entry.WithError(callbackErr).Warn("rabbitmq delivery failed")
	default:
		entry.Debug("rabbitmq delivery processed")
	}
}

// retry republishes the delivery with a bumped attempt header and acks the
// original. If the republish fails the original is requeued.
func (s *Subscriber) retry(delivery amqp.Delivery, next int) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	pub := amqp.Publishing{
		Headers:      withRetryCountHeader(delivery.Headers, next),
		ContentType:  delivery.ContentType,
		Body:         delivery.Body,
		DeliveryMode: delivery.DeliveryMode,
		Timestamp:    delivery.Timestamp,
	}
	if !s.sess.alive() {
		return delivery.Nack(false, true)
	}
	if err := s.sess.ch.Publish(s.exchange, delivery.RoutingKey, false, false, pub); err != nil {
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			return nackErr
		}
		return err
	}
	return delivery.Ack(false)
}

// Close stops consuming, waits for in-flight deliveries and closes the
// connection
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	err := s.sess.close()
	s.sess = nil
	s.setConnected(false)
	return err
}

func (s *Subscriber) IsConnected() bool {
	return s.connected.Load()
}
