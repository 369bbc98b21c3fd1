package capture

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeDevice hands out io.Pipe streams so tests can feed audio fragments.
type pipeDevice struct {
	mu       sync.Mutex
	err      error
	gate     chan struct{}
	acquires int32
	streams  []*trackedStream
	writers  []*io.PipeWriter
}

type trackedStream struct {
	*io.PipeReader
	closed atomic.Bool
}

func (s *trackedStream) Close() error {
	s.closed.Store(true)
	return s.PipeReader.Close()
}

func (d *pipeDevice) Acquire(ctx context.Context) (io.ReadCloser, error) {
	atomic.AddInt32(&d.acquires, 1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	pr, pw := io.Pipe()
	s := &trackedStream{PipeReader: pr}
	d.streams = append(d.streams, s)
	d.writers = append(d.writers, pw)
	return s, nil
}

func (d *pipeDevice) write(t *testing.T, chunks ...string) {
	t.Helper()
	d.mu.Lock()
	w := d.writers[len(d.writers)-1]
	d.mu.Unlock()
	for _, c := range chunks {
		_, err := w.Write([]byte(c))
		require.NoError(t, err)
	}
}

func (d *pipeDevice) last() *trackedStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestController(t *testing.T, dev Device, opts ...Option) *Controller {
	t.Helper()
	c, err := NewController(dev, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewController_NilDevice(t *testing.T) {
	_, err := NewController(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "must not be nil")
}

func TestTakeArtifact_WhileRecording(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev)
	require.NoError(t, c.Start(context.Background()))

	_, err := c.TakeArtifact()
	require.ErrorIs(t, err, ErrNoArtifactAvailable)
	require.Equal(t, Recording, c.State())
}

func TestStopThenTakeArtifact(t *testing.T) {
	dev := &pipeDevice{}
	clock := newFakeClock()
	c := newTestController(t, dev, WithClock(clock.Now), WithContentType("audio/ogg"))

	require.NoError(t, c.Start(context.Background()))
	dev.write(t, "abc", "def")
	clock.Advance(7*time.Second + 900*time.Millisecond)

	st, err := c.Stop()
	require.NoError(t, err)
	require.Equal(t, Ready, st)
	require.Equal(t, 7, c.Elapsed())
	require.True(t, dev.last().closed.Load(), "device must be released on stop")

	art, err := c.TakeArtifact()
	require.NoError(t, err)
	require.Equal(t, []byte("abcdef"), art.Data)
	require.Equal(t, 7, art.DurationSeconds)
	require.Equal(t, "audio/ogg", art.ContentType)
	require.Equal(t, Idle, c.State())
	require.Equal(t, 0, c.Elapsed())

	_, err = c.TakeArtifact()
	require.ErrorIs(t, err, ErrNoArtifactAvailable)
}

func TestStop_NoDataReturnsToIdle(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev)
	require.NoError(t, c.Start(context.Background()))

	st, err := c.Stop()
	require.NoError(t, err)
	require.Equal(t, Idle, st)
	require.Equal(t, Idle, c.State())
	require.True(t, dev.last().closed.Load())

	_, err = c.TakeArtifact()
	require.ErrorIs(t, err, ErrNoArtifactAvailable)
}

func TestDiscardThenStart(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev)
	require.NoError(t, c.Start(context.Background()))
	dev.write(t, "abc")
	_, err := c.Stop()
	require.NoError(t, err)

	require.NoError(t, c.Discard())
	require.Equal(t, Idle, c.State())
	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, Recording, c.State())
}

func TestDiscard_RequiresReady(t *testing.T) {
	c := newTestController(t, &pipeDevice{})
	require.ErrorIs(t, c.Discard(), ErrNoArtifactAvailable)
}

func TestStart_WhileReadyRequiresDiscard(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev)
	require.NoError(t, c.Start(context.Background()))
	dev.write(t, "abc")
	_, err := c.Stop()
	require.NoError(t, err)

	require.ErrorIs(t, c.Start(context.Background()), ErrArtifactPending)
	require.Equal(t, Ready, c.State())
}

func TestStop_WhileIdle(t *testing.T) {
	c := newTestController(t, &pipeDevice{})
	st, err := c.Stop()
	require.ErrorIs(t, err, ErrNotRecording)
	require.Equal(t, Idle, st)
}

func TestStart_DeviceUnavailable(t *testing.T) {
	dev := &pipeDevice{err: errors.New("permission denied")}
	c := newTestController(t, dev)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.ErrorContains(t, err, "permission denied")
	require.Equal(t, Idle, c.State())

	dev.mu.Lock()
	dev.err = nil
	dev.mu.Unlock()
	require.NoError(t, c.Start(context.Background()))
}

func TestStart_ConcurrentStartIsRejected(t *testing.T) {
	dev := &pipeDevice{gate: make(chan struct{})}
	c := newTestController(t, dev)

	first := make(chan error, 1)
	go func() { first <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dev.acquires) == 1 }, time.Second, time.Millisecond)

	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRecording)
	close(dev.gate)
	require.NoError(t, <-first)

	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyRecording)
	require.Equal(t, int32(1), atomic.LoadInt32(&dev.acquires))
}

func TestClose_ReleasesDevice(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev)
	require.NoError(t, c.Start(context.Background()))
	dev.write(t, "abc")

	require.NoError(t, c.Close())
	require.True(t, dev.last().closed.Load())
	require.Equal(t, Idle, c.State())
	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestClose_DuringAcquireReleasesStream(t *testing.T) {
	dev := &pipeDevice{gate: make(chan struct{})}
	c := newTestController(t, dev)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&dev.acquires) == 1 }, time.Second, time.Millisecond)

	require.NoError(t, c.Close())
	close(dev.gate)
	require.ErrorIs(t, <-done, ErrClosed)
	require.True(t, dev.last().closed.Load())
}

func TestDeviceReadError_ReleasesDevice(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev)
	require.NoError(t, c.Start(context.Background()))
	dev.write(t, "abc")

	dev.mu.Lock()
	w := dev.writers[0]
	dev.mu.Unlock()
	require.NoError(t, w.CloseWithError(errors.New("unplugged")))
	require.Eventually(t, func() bool { return dev.last().closed.Load() }, time.Second, time.Millisecond)

	st, err := c.Stop()
	require.NoError(t, err)
	require.Equal(t, Ready, st)
	art, err := c.TakeArtifact()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), art.Data)
}

func TestElapsed_ComputedFromAnchor(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(t, &pipeDevice{}, WithClock(clock.Now), WithTickInterval(time.Hour))
	require.NoError(t, c.Start(context.Background()))

	require.Equal(t, 0, c.Elapsed())
	clock.Advance(999 * time.Millisecond)
	require.Equal(t, 0, c.Elapsed())
	clock.Advance(time.Millisecond)
	require.Equal(t, 1, c.Elapsed())
	clock.Advance(41 * time.Second)
	require.Equal(t, 42, c.Elapsed())
}

func TestOnTick_ReportsWholeSeconds(t *testing.T) {
	clock := newFakeClock()
	var last atomic.Int64
	last.Store(-1)
	c := newTestController(t, &pipeDevice{},
		WithClock(clock.Now),
		WithTickInterval(time.Millisecond),
		WithOnTick(func(s int) { last.Store(int64(s)) }),
	)
	require.NoError(t, c.Start(context.Background()))
	clock.Advance(3500 * time.Millisecond)
	require.Eventually(t, func() bool { return last.Load() == 3 }, time.Second, time.Millisecond)

	_, err := c.Stop()
	require.NoError(t, err)
}

func TestPreview_RemovedOnDiscardAndTake(t *testing.T) {
	dev := &pipeDevice{}
	c := newTestController(t, dev, WithPreviewDir(t.TempDir()))

	record := func() string {
		require.NoError(t, c.Start(context.Background()))
		dev.write(t, "voice")
		st, err := c.Stop()
		require.NoError(t, err)
		require.Equal(t, Ready, st)
		path := c.PreviewPath()
		require.NotEmpty(t, path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "voice", string(data))
		return path
	}

	path := record()
	require.NoError(t, c.Discard())
	require.NoFileExists(t, path)
	require.Empty(t, c.PreviewPath())

	path = record()
	_, err := c.TakeArtifact()
	require.NoError(t, err)
	require.NoFileExists(t, path)
}

func TestElapsedSeconds(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cases := []struct {
		d    time.Duration
		want int
	}{
		{d: 0, want: 0},
		{d: -time.Second, want: 0},
		{d: 1500 * time.Millisecond, want: 1},
		{d: 59*time.Second + 999*time.Millisecond, want: 59},
		{d: 10 * time.Minute, want: 600},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, elapsedSeconds(start.Add(tc.d), start), "d=%s", tc.d)
	}
}

func TestExtension(t *testing.T) {
	require.Equal(t, ".webm", Extension("audio/webm"))
	require.Equal(t, ".wav", Extension("audio/wav"))
	require.Equal(t, ".bin", Extension("application/octet-stream"))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "recording", Recording.String())
	require.Equal(t, "State(9)", State(9).String())
}
