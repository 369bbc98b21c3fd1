package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"voicenote/internal/domain"
)

type fakeConn struct {
	subject  string
	data     []byte
	pubErr   error
	flushErr error
	flushed  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subject, f.data = subject, data
	return f.pubErr
}

func (f *fakeConn) FlushWithContext(context.Context) error {
	f.flushed = true
	return f.flushErr
}

type fakeNatsSub struct {
	mu           sync.Mutex
	status       chan nats.SubStatus
	invalid      bool
	unsubscribed bool
	unsubErr     error
}

func (f *fakeNatsSub) Unsubscribe() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return f.unsubErr
}

func (f *fakeNatsSub) IsValid() bool { return !f.invalid }

func (f *fakeNatsSub) StatusChanged(...nats.SubStatus) <-chan nats.SubStatus { return f.status }

func sample() domain.Message {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return domain.Message{
		ID:              "m1",
		SenderID:        "alice",
		ReceiverID:      "bob",
		AudioRef:        "https://cdn.example.com/alice/1.webm",
		DurationSeconds: 7,
		CreatedAt:       created,
		ExpiresAt:       created.Add(72 * time.Hour),
	}
}

func TestPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p, err := NewPublisher(conn, "")
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), sample()))
	require.Equal(t, DefaultSubject, conn.subject)
	require.True(t, conn.flushed)

	got, err := Decode(conn.data)
	require.NoError(t, err)
	require.Equal(t, sample(), got)
}

func TestPublisher_Errors(t *testing.T) {
	_, err := NewPublisher(nil, "x")
	require.Error(t, err)

	p, err := NewPublisher(&fakeConn{pubErr: nats.ErrConnectionClosed}, "custom.subject")
	require.NoError(t, err)
	require.ErrorIs(t, p.Publish(context.Background(), sample()), nats.ErrConnectionClosed)

	p, err = NewPublisher(&fakeConn{flushErr: context.DeadlineExceeded}, "custom.subject")
	require.NoError(t, err)
	require.ErrorIs(t, p.Publish(context.Background(), sample()), context.DeadlineExceeded)
}

func TestDecode(t *testing.T) {
	valid, err := json.Marshal(sample())
	require.NoError(t, err)

	cases := []struct {
		name    string
		data    []byte
		wantErr bool
	}{
		{name: "valid", data: valid},
		{name: "not json", data: []byte("{"), wantErr: true},
		{name: "missing id", data: []byte(`{"senderId":"a","receiverId":"b","createdAt":"2026-03-01T09:30:00Z"}`), wantErr: true},
		{name: "missing createdAt", data: []byte(`{"id":"m","senderId":"a","receiverId":"b"}`), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.data)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestFeed_SubscribeDeliversAndEnds(t *testing.T) {
	ns := &fakeNatsSub{status: make(chan nats.SubStatus, 1)}
	var cb nats.MsgHandler
	var subject string
	f := newFeed(func(subj string, h nats.MsgHandler) (natsSubscription, error) {
		subject, cb = subj, h
		return ns, nil
	}, "", nil)

	var got []domain.Message
	sub, err := f.Subscribe(context.Background(), func(m domain.Message) { got = append(got, m) })
	require.NoError(t, err)
	require.Equal(t, DefaultSubject, subject)

	data, err := json.Marshal(sample())
	require.NoError(t, err)
	cb(&nats.Msg{Subject: subject, Data: data})
	cb(&nats.Msg{Subject: subject, Data: []byte("garbage")})
	require.Equal(t, []domain.Message{sample()}, got)

	select {
	case <-sub.Done():
		t.Fatal("done closed before the subscription ended")
	default:
	}
	ns.status <- nats.SubscriptionClosed
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after subscription closed")
	}

	require.NoError(t, sub.Unsubscribe())
	require.True(t, ns.unsubscribed)
}

func TestFeed_SubscribeAlreadyClosed(t *testing.T) {
	ns := &fakeNatsSub{status: make(chan nats.SubStatus), invalid: true}
	f := newFeed(func(string, nats.MsgHandler) (natsSubscription, error) { return ns, nil }, "s", nil)

	sub, err := f.Subscribe(context.Background(), func(domain.Message) {})
	require.NoError(t, err)
	select {
	case <-sub.Done():
	default:
		t.Fatal("done must be closed for an invalid subscription")
	}
}

func TestFeed_SubscribeErrors(t *testing.T) {
	f := newFeed(func(string, nats.MsgHandler) (natsSubscription, error) {
		return nil, nats.ErrConnectionClosed
	}, "s", nil)

	_, err := f.Subscribe(context.Background(), nil)
	require.Error(t, err)
	_, err = f.Subscribe(context.Background(), func(domain.Message) {})
	require.ErrorIs(t, err, nats.ErrConnectionClosed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Subscribe(ctx, func(domain.Message) {})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSubscription_UnsubscribeIgnoresClosed(t *testing.T) {
	s := &subscription{sub: &fakeNatsSub{unsubErr: nats.ErrBadSubscription}, done: make(chan struct{})}
	require.NoError(t, s.Unsubscribe())

	s = &subscription{sub: &fakeNatsSub{unsubErr: errors.New("boom")}, done: make(chan struct{})}
	require.Error(t, s.Unsubscribe())
}

func TestNewFeed_NilConn(t *testing.T) {
	_, err := NewFeed(nil, "", nil)
	require.Error(t, err)
}
