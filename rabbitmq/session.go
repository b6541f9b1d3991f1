package rabbitmq

import (
	"errors"
	"fmt"
	"strings"

	"github.com/streadway/amqp"
)

// session is one connection with a single channel on it
type session struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// dial connects and declares the durable direct exchange all signal events
// go through
func dial(url, exchange string) (*session, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	sess := &session{conn: conn, ch: ch}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		_ = sess.close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	return sess, nil
}

func (s *session) alive() bool {
	return s != nil && s.conn != nil && !s.conn.IsClosed() && s.ch != nil
}

// close releases the channel and the connection. Already closed handles are
// not an error.
func (s *session) close() error {
	if s == nil {
		return nil
	}
	var err error
	if s.ch != nil {
		if chErr := s.ch.Close(); chErr != nil && !errors.Is(chErr, amqp.ErrClosed) {
			err = chErr
		}
	}
	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil && !errors.Is(connErr, amqp.ErrClosed) && err == nil {
			err = connErr
		}
	}
	return err
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, amqp.ErrClosed) || strings.Contains(err.Error(), "channel/connection is not open")
}
