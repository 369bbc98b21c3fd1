// Package conversation keeps a per-conversation message list in sync with the
// record store and the live feed.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"voicenote/internal/domain"
)

const (
	defaultMinBackoff = 250 * time.Millisecond
	defaultMaxBackoff = 30 * time.Second
)

var (
	ErrClosed            = errors.New("conversation: not open")
	ErrNotInConversation = errors.New("conversation: message does not belong to this conversation")
)

// Fetcher returns the stored history between two users, ordered or not.
type Fetcher interface {
	ListConversation(ctx context.Context, a, b string) ([]domain.Message, error)
}

// Feed delivers every newly created message. Consumers filter for themselves.
type Feed interface {
	Subscribe(ctx context.Context, handle func(domain.Message)) (Subscription, error)
}

// Subscription is a live feed registration. Done is closed when the
// subscription ends for any reason, including Unsubscribe.
type Subscription interface {
	Unsubscribe() error
	Done() <-chan struct{}
}

// View is a snapshot of an open conversation.
type View struct {
	SelfID   string
	PeerID   string
	Messages []domain.Message
	// Stale is set while the live feed is down.
	Stale bool
	// Err holds the last failed history fetch; Refresh retries it.
	Err error
}

type Synchronizer struct {
	fetcher    Fetcher
	feed       Feed
	logger     *slog.Logger
	onMessage  func(domain.Message)
	minBackoff time.Duration
	maxBackoff time.Duration

	// opMu serializes Open and Close.
	opMu sync.Mutex

	mu        sync.Mutex
	gen       uint64
	open      bool
	selfID    string
	peerID    string
	messages  []domain.Message
	ids       map[string]struct{}
	buffering bool
	pending   []domain.Message
	stale     bool
	fetchErr  error
	sub       Subscription
	cancel    context.CancelFunc
	watchDone chan struct{}
}

type Option func(*Synchronizer)

func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOnMessage registers a callback for every message admitted after the
// initial history load. It runs without the synchronizer lock held.
func WithOnMessage(fn func(domain.Message)) Option {
	return func(s *Synchronizer) { s.onMessage = fn }
}

// WithBackoff bounds the delay between resubscribe attempts.
func WithBackoff(first, ceiling time.Duration) Option {
	return func(s *Synchronizer) {
		if first > 0 {
			s.minBackoff = first
		}
		if ceiling >= s.minBackoff {
			s.maxBackoff = ceiling
		}
	}
}

func New(fetcher Fetcher, feed Feed, opts ...Option) (*Synchronizer, error) {
	if fetcher == nil {
		return nil, errors.New("conversation: fetcher must not be nil")
	}
	if feed == nil {
		return nil, errors.New("conversation: feed must not be nil")
	}
	s := &Synchronizer{
		fetcher:    fetcher,
		feed:       feed,
		logger:     slog.Default(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Open starts syncing the conversation between selfID and peerID, replacing
// any conversation already open. The live feed is subscribed before history is
// fetched; events arriving meanwhile are held back until the history has been
// applied. A failed fetch leaves an empty view with Err set and is not
// returned.
func (s *Synchronizer) Open(ctx context.Context, selfID, peerID string) error {
	if !domain.ValidUserID(selfID) || !domain.ValidUserID(peerID) {
		return fmt.Errorf("conversation: invalid participants %q and %q", selfID, peerID)
	}
	if selfID == peerID {
		return errors.New("conversation: cannot open a conversation with yourself")
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if err := s.closeLocked(); err != nil {
		s.logger.Warn("failed to release previous conversation", "err", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.gen++
	g := s.gen
	s.open = true
	s.selfID, s.peerID = selfID, peerID
	s.messages = nil
	s.ids = make(map[string]struct{})
	s.buffering = true
	s.pending = nil
	s.stale = false
	s.fetchErr = nil
	s.cancel = cancel
	s.mu.Unlock()

	sub, subErr := s.feed.Subscribe(ctx, s.handler(g))
	if subErr != nil {
		s.logger.Warn("live feed subscribe failed", "peer", peerID, "err", subErr)
	}

	history, fetchErr := s.fetcher.ListConversation(ctx, selfID, peerID)
	if fetchErr != nil {
		s.logger.Warn("conversation history fetch failed", "peer", peerID, "err", fetchErr)
	}

	s.mu.Lock()
	for _, m := range history {
		if domain.InConversation(m, selfID, peerID) {
			s.admit(m)
		}
	}
	for _, m := range s.pending {
		s.admit(m)
	}
	s.pending = nil
	s.buffering = false
	s.fetchErr = fetchErr
	s.sub = sub
	s.stale = subErr != nil
	done := make(chan struct{})
	s.watchDone = done
	s.mu.Unlock()

	go s.watch(watchCtx, g, sub, done)
	return nil
}

// Close stops syncing and releases the live subscription. It waits for the
// background watcher to exit and is safe to call more than once.
func (s *Synchronizer) Close() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.closeLocked()
}

func (s *Synchronizer) closeLocked() error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return nil
	}
	s.open = false
	s.gen++
	sub, cancel, done := s.sub, s.cancel, s.watchDone
	s.sub, s.cancel, s.watchDone = nil, nil, nil
	s.messages = nil
	s.ids = nil
	s.pending = nil
	s.stale = false
	s.fetchErr = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if sub != nil {
		err = sub.Unsubscribe()
	}
	if done != nil {
		<-done
	}
	return err
}

// Refresh fetches the history again and merges it into the view.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	g, selfID, peerID := s.gen, s.selfID, s.peerID
	s.mu.Unlock()
	return s.refresh(ctx, g, selfID, peerID)
}

func (s *Synchronizer) refresh(ctx context.Context, g uint64, selfID, peerID string) error {
	history, err := s.fetcher.ListConversation(ctx, selfID, peerID)

	s.mu.Lock()
	if s.gen != g {
		s.mu.Unlock()
		return ErrClosed
	}
	if err != nil {
		s.fetchErr = err
		s.mu.Unlock()
		return fmt.Errorf("conversation: refresh: %w", err)
	}
	var added []domain.Message
	for _, m := range history {
		if domain.InConversation(m, selfID, peerID) && s.admit(m) {
			added = append(added, m)
		}
	}
	s.fetchErr = nil
	fn := s.onMessage
	s.mu.Unlock()

	if fn != nil {
		for _, m := range added {
			fn(m)
		}
	}
	return nil
}

// AppendLocal adds a message the caller just sent without waiting for the
// feed. The feed's copy of it is later dropped as a duplicate.
func (s *Synchronizer) AppendLocal(m domain.Message) error {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return ErrClosed
	}
	if !domain.InConversation(m, s.selfID, s.peerID) {
		s.mu.Unlock()
		return ErrNotInConversation
	}
	added := s.admit(m)
	fn := s.onMessage
	s.mu.Unlock()

	if added && fn != nil {
		fn(m)
	}
	return nil
}

// View returns a copy of the current conversation state.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		SelfID:   s.selfID,
		PeerID:   s.peerID,
		Messages: slices.Clone(s.messages),
		Stale:    s.stale,
		Err:      s.fetchErr,
	}
}

// handler admits live events for generation g only; events from a replaced or
// closed subscription are dropped.
func (s *Synchronizer) handler(g uint64) func(domain.Message) {
	return func(m domain.Message) {
		s.mu.Lock()
		if s.gen != g || !s.open || !domain.InConversation(m, s.selfID, s.peerID) {
			s.mu.Unlock()
			return
		}
		if s.buffering {
			s.pending = append(s.pending, m)
			s.mu.Unlock()
			return
		}
		added := s.admit(m)
		fn := s.onMessage
		s.mu.Unlock()

		if added && fn != nil {
			fn(m)
		}
	}
}

// admit inserts m in (CreatedAt, ID) order unless its id is already present.
// Must be called with s.mu held.
func (s *Synchronizer) admit(m domain.Message) bool {
	if _, dup := s.ids[m.ID]; dup {
		return false
	}
	s.ids[m.ID] = struct{}{}
	n := len(s.messages)
	if n == 0 || !domain.Before(m, s.messages[n-1]) {
		s.messages = append(s.messages, m)
		return true
	}
	i := sort.Search(n, func(i int) bool { return domain.Before(m, s.messages[i]) })
	s.messages = slices.Insert(s.messages, i, m)
	return true
}

// watch resubscribes whenever the live subscription ends unexpectedly and
// refreshes history once the feed is back.
func (s *Synchronizer) watch(ctx context.Context, g uint64, sub Subscription, done chan struct{}) {
	defer close(done)
	for {
		if sub != nil {
			select {
			case <-ctx.Done():
				return
			case <-sub.Done():
			}
			if ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			if s.gen == g {
				s.stale = true
			}
			selfID, peerID := s.selfID, s.peerID
			s.mu.Unlock()
			s.logger.Warn("live feed subscription ended, resubscribing", "self", selfID, "peer", peerID)
		}

		next, ok := s.resubscribe(ctx, g)
		if !ok {
			return
		}

		s.mu.Lock()
		if s.gen != g {
			s.mu.Unlock()
			_ = next.Unsubscribe()
			return
		}
		s.sub = next
		s.stale = false
		selfID, peerID := s.selfID, s.peerID
		s.mu.Unlock()

		if err := s.refresh(ctx, g, selfID, peerID); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn("conversation refresh after resubscribe failed", "peer", peerID, "err", err)
		}
		sub = next
	}
}

func (s *Synchronizer) resubscribe(ctx context.Context, g uint64) (Subscription, bool) {
	delay := s.minBackoff
	for {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, false
		case <-t.C:
		}
		next, err := s.feed.Subscribe(ctx, s.handler(g))
		if err == nil {
			return next, true
		}
		if ctx.Err() != nil {
			return nil, false
		}
		s.logger.Warn("live feed resubscribe failed", "retry_in", delay, "err", err)
		delay = min(delay*2, s.maxBackoff)
	}
}
