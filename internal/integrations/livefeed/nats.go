// Package livefeed carries newly created messages over NATS core pub/sub.
// Every subscriber sees every message; recipients filter for themselves.
package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"voicenote/internal/conversation"
	"voicenote/internal/domain"
)

const DefaultSubject = "voicenote.messages.created"

// Connect dials the NATS server and logs connection state changes.
// The client reconnects forever; callers own the returned connection.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("livefeed: connect %s: %w", url, err)
	}
	return nc, nil
}

// publishConn is the part of *nats.Conn used by Publisher.
type publishConn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

type Publisher struct {
	conn    publishConn
	subject string
}

func NewPublisher(conn publishConn, subject string) (*Publisher, error) {
	if conn == nil {
		return nil, errors.New("livefeed: conn must not be nil")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject}, nil
}

// Publish sends msg and waits until the server has acknowledged the flush,
// so a frozen Lambda sandbox cannot strand it in the client buffer.
func (p *Publisher) Publish(ctx context.Context, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("livefeed: marshal message %s: %w", msg.ID, err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("livefeed: publish %s: %w", p.subject, err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("livefeed: flush: %w", err)
	}
	return nil
}

// natsSubscription is the part of *nats.Subscription used by Feed.
type natsSubscription interface {
	Unsubscribe() error
	IsValid() bool
	StatusChanged(statuses ...nats.SubStatus) <-chan nats.SubStatus
}

type subscribeFunc func(subject string, cb nats.MsgHandler) (natsSubscription, error)

// Feed subscribes to created messages. It implements conversation.Feed.
type Feed struct {
	subscribe subscribeFunc
	subject   string
	logger    *slog.Logger
}

func NewFeed(nc *nats.Conn, subject string, logger *slog.Logger) (*Feed, error) {
	if nc == nil {
		return nil, errors.New("livefeed: conn must not be nil")
	}
	return newFeed(func(subj string, cb nats.MsgHandler) (natsSubscription, error) {
		return nc.Subscribe(subj, cb)
	}, subject, logger), nil
}

func newFeed(fn subscribeFunc, subject string, logger *slog.Logger) *Feed {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{subscribe: fn, subject: subject, logger: logger}
}

// Subscribe delivers every decodable message to handle. Undecodable payloads
// are logged and dropped.
func (f *Feed) Subscribe(ctx context.Context, handle func(domain.Message)) (conversation.Subscription, error) {
	if handle == nil {
		return nil, errors.New("livefeed: handler must not be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub, err := f.subscribe(f.subject, func(m *nats.Msg) {
		msg, err := Decode(m.Data)
		if err != nil {
			f.logger.Warn("dropping undecodable live feed payload", "subject", m.Subject, "err", err)
			return
		}
		handle(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("livefeed: subscribe %s: %w", f.subject, err)
	}

	s := &subscription{sub: sub, done: make(chan struct{})}
	closed := sub.StatusChanged(nats.SubscriptionClosed)
	go func() {
		<-closed
		s.finish()
	}()
	// The subscription may have closed before the status channel was registered.
	if !sub.IsValid() {
		s.finish()
	}
	return s, nil
}

// Decode parses a live feed payload and rejects messages missing the fields
// subscribers rely on.
func Decode(data []byte) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("livefeed: decode: %w", err)
	}
	if msg.ID == "" || msg.SenderID == "" || msg.ReceiverID == "" || msg.CreatedAt.IsZero() {
		return domain.Message{}, errors.New("livefeed: decode: message is missing id, participants or creation time")
	}
	return msg, nil
}

type subscription struct {
	sub  natsSubscription
	once sync.Once
	done chan struct{}
}

func (s *subscription) finish() { s.once.Do(func() { close(s.done) }) }

func (s *subscription) Unsubscribe() error {
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrBadSubscription) && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("livefeed: unsubscribe: %w", err)
	}
	return nil
}

func (s *subscription) Done() <-chan struct{} { return s.done }
