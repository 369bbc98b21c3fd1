// Package capture turns a live microphone stream into a single audio artifact.
//
// A Controller owns at most one recording session at a time and moves through
// Idle -> Recording -> Ready -> Idle. The input device is held only while
// Recording and is released on every way out of that state.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultContentType  = "audio/webm"
	defaultFragmentSize = 32 * 1024
)

var (
	ErrDeviceUnavailable   = errors.New("capture: input device unavailable")
	ErrNoArtifactAvailable = errors.New("capture: no artifact available")
	ErrNotRecording        = errors.New("capture: not recording")
	ErrAlreadyRecording    = errors.New("capture: already recording")
	ErrArtifactPending     = errors.New("capture: artifact pending, send or discard it first")
	ErrClosed              = errors.New("capture: controller closed")
)

type State int

const (
	Idle State = iota
	Recording
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Device is a microphone. The returned stream delivers encoded audio until it
// is closed; closing it releases the hardware.
type Device interface {
	Acquire(ctx context.Context) (io.ReadCloser, error)
}

// Artifact is a finished recording handed off for sending.
type Artifact struct {
	Data            []byte
	DurationSeconds int
	ContentType     string
}

type Controller struct {
	device       Device
	now          func() time.Time
	tickInterval time.Duration
	fragmentSize int
	contentType  string
	previewDir   string
	onTick       func(seconds int)
	logger       *slog.Logger

	mu          sync.Mutex
	state       State
	acquiring   bool
	closed      bool
	session     *session
	startedAt   time.Time
	elapsed     int
	artifact    []byte
	previewPath string
}

type Option func(*Controller)

// WithClock replaces time.Now as the source of the recording anchor.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.tickInterval = d
		}
	}
}

// WithOnTick registers a callback receiving whole elapsed seconds on every
// tick while recording. It is called without the controller lock held.
func WithOnTick(fn func(seconds int)) Option {
	return func(c *Controller) { c.onTick = fn }
}

func WithContentType(contentType string) Option {
	return func(c *Controller) {
		if contentType != "" {
			c.contentType = contentType
		}
	}
}

// WithPreviewDir makes Stop write the artifact to a temporary file in dir for
// playback before sending. The file is removed when the artifact is taken or
// discarded.
func WithPreviewDir(dir string) Option {
	return func(c *Controller) { c.previewDir = dir }
}

func WithFragmentSize(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.fragmentSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewController(device Device, opts ...Option) (*Controller, error) {
	if device == nil {
		return nil, errors.New("capture: device must not be nil")
	}
	c := &Controller{
		device:       device,
		now:          time.Now,
		tickInterval: DefaultTickInterval,
		fragmentSize: defaultFragmentSize,
		contentType:  DefaultContentType,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Elapsed returns whole seconds recorded so far, or the frozen duration of a
// Ready artifact.
func (c *Controller) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Recording && c.session != nil {
		return elapsedSeconds(c.now(), c.startedAt)
	}
	return c.elapsed
}

// PreviewPath returns the temporary file holding the Ready artifact, if any.
func (c *Controller) PreviewPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previewPath
}

// Start acquires the device and begins recording. A second Start while one is
// acquiring or recording is rejected immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.acquiring || c.state == Recording:
		c.mu.Unlock()
		return ErrAlreadyRecording
	case c.state == Ready:
		c.mu.Unlock()
		return ErrArtifactPending
	}
	c.acquiring = true
	c.mu.Unlock()

	stream, err := c.device.Acquire(ctx)
	if err == nil && stream == nil {
		err = errors.New("device returned no stream")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if c.closed {
		_ = stream.Close()
		return ErrClosed
	}

	s := newSession(stream)
	c.session = s
	c.startedAt = c.now()
	c.elapsed = 0
	c.state = Recording
	go c.read(s)
	go c.tick(s, c.startedAt)
	c.logger.Debug("capture started", "at", c.startedAt)
	return nil
}

// Stop ends the recording, releases the device and assembles the artifact.
// It returns Ready, or Idle when nothing was captured.
func (c *Controller) Stop() (State, error) {
	c.mu.Lock()
	if c.state != Recording || c.session == nil {
		st := c.state
		c.mu.Unlock()
		return st, ErrNotRecording
	}
	s := c.session
	c.session = nil
	startedAt := c.startedAt
	c.mu.Unlock()

	stoppedAt := c.now()
	data := bytes.Join(s.halt(), nil)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = time.Time{}
	if c.closed {
		return Idle, ErrClosed
	}
	if len(data) == 0 {
		c.state = Idle
		c.elapsed = 0
		c.logger.Debug("capture stopped without data")
		return Idle, nil
	}

	c.elapsed = elapsedSeconds(stoppedAt, startedAt)
	c.artifact = data
	c.state = Ready
	if c.previewDir != "" {
		c.previewPath = c.writePreview(data)
	}
	c.logger.Debug("capture ready", "bytes", len(data), "seconds", c.elapsed)
	return Ready, nil
}

// Discard drops the Ready artifact and its preview.
func (c *Controller) Discard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return ErrNoArtifactAvailable
	}
	c.clearArtifact()
	c.state = Idle
	return nil
}

// TakeArtifact hands the Ready artifact to the caller and resets to Idle.
func (c *Controller) TakeArtifact() (Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Ready {
		return Artifact{}, ErrNoArtifactAvailable
	}
	art := Artifact{
		Data:            c.artifact,
		DurationSeconds: c.elapsed,
		ContentType:     c.contentType,
	}
	c.clearArtifact()
	c.state = Idle
	return art, nil
}

// Close disposes of the controller, releasing the device and any artifact.
// It is safe to call more than once.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.session
	c.session = nil
	c.clearArtifact()
	c.state = Idle
	c.mu.Unlock()

	if s != nil {
		s.halt()
	}
	return nil
}

// clearArtifact must be called with c.mu held.
func (c *Controller) clearArtifact() {
	if c.previewPath != "" {
		if err := os.Remove(c.previewPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.logger.Warn("failed to remove capture preview", "path", c.previewPath, "err", err)
		}
		c.previewPath = ""
	}
	c.artifact = nil
	c.elapsed = 0
}

func (c *Controller) writePreview(data []byte) string {
	f, err := os.CreateTemp(c.previewDir, "voicenote-*"+Extension(c.contentType))
	if err != nil {
		c.logger.Warn("failed to create capture preview", "err", err)
		return ""
	}
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		c.logger.Warn("failed to write capture preview", "err", errors.Join(werr, cerr))
		_ = os.Remove(f.Name())
		return ""
	}
	return f.Name()
}

func (c *Controller) read(s *session) {
	defer close(s.readDone)
	buf := make([]byte, c.fragmentSize)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			s.fragments = append(s.fragments, bytes.Clone(buf[:n]))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.released.Load() {
				c.logger.Warn("capture device read failed", "err", err)
			}
			s.release()
			return
		}
	}
}

func (c *Controller) tick(s *session, startedAt time.Time) {
	defer close(s.tickDone)
	t := time.NewTicker(c.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopTick:
			return
		case <-t.C:
			secs := elapsedSeconds(c.now(), startedAt)
			c.mu.Lock()
			current := c.session == s
			if current {
				c.elapsed = secs
			}
			fn := c.onTick
			c.mu.Unlock()
			if current && fn != nil {
				fn(secs)
			}
		}
	}
}

// elapsedSeconds is always measured from the fixed anchor so ticks never
// accumulate drift.
func elapsedSeconds(now, startedAt time.Time) int {
	d := now.Sub(startedAt)
	if d < 0 {
		return 0
	}
	return int(d / time.Second)
}

// session holds the resources of one recording.
type session struct {
	stream    io.ReadCloser
	closeOnce sync.Once
	released  atomic.Bool
	// fragments is written only by the reader goroutine and read after readDone.
	fragments [][]byte
	readDone  chan struct{}
	stopTick  chan struct{}
	tickDone  chan struct{}
}

func newSession(stream io.ReadCloser) *session {
	return &session{
		stream:   stream,
		readDone: make(chan struct{}),
		stopTick: make(chan struct{}),
		tickDone: make(chan struct{}),
	}
}

func (s *session) release() {
	s.closeOnce.Do(func() {
		s.released.Store(true)
		_ = s.stream.Close()
	})
}

// halt stops the ticker, releases the device and waits for the reader to
// finish, returning everything captured.
func (s *session) halt() [][]byte {
	close(s.stopTick)
	<-s.tickDone
	s.release()
	<-s.readDone
	return s.fragments
}

// Extension returns the file extension conventionally used for contentType.
func Extension(contentType string) string {
	switch contentType {
	case "audio/webm":
		return ".webm"
	case "audio/ogg", "audio/ogg; codecs=opus":
		return ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/mpeg":
		return ".mp3"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	default:
		return ".bin"
	}
}
