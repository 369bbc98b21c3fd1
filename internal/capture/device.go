package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	defaultStopGrace  = 2 * time.Second
	defaultDrainGrace = 500 * time.Millisecond
)

// CommandDevice records by running an external capture program that writes
// encoded audio to stdout, e.g. `ffmpeg -f pulse -i default -f webm -`.
// Releasing the stream interrupts the program, giving encoders a chance to
// flush, and kills it if it does not exit within the grace period.
type CommandDevice struct {
	Name      string
	Args      []string
	Stderr    io.Writer
	StopGrace time.Duration
}

func NewCommandDevice(argv []string) (*CommandDevice, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, errors.New("capture: capture command is required")
	}
	return &CommandDevice{Name: argv[0], Args: argv[1:], StopGrace: defaultStopGrace}, nil
}

func (d *CommandDevice) Acquire(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := exec.LookPath(d.Name)
	if err != nil {
		return nil, fmt.Errorf("capture: %s: %w", d.Name, err)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("capture: pipe: %w", err)
	}
	// The process outlives Start's context; only Close ends it.
	cmd := exec.Command(path, d.Args...)
	cmd.Stdout = pw
	cmd.Stderr = d.Stderr
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("capture: start %s: %w", d.Name, err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	grace := d.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	s := &commandStream{
		cmd:     cmd,
		pipe:    pr,
		grace:   grace,
		exited:  make(chan struct{}),
		drained: make(chan struct{}),
	}
	go s.wait()
	return s, nil
}

type commandStream struct {
	cmd   *exec.Cmd
	pipe  *os.File
	grace time.Duration

	exited    chan struct{}
	waitErr   error
	drained   chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
}

func (s *commandStream) wait() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *commandStream) Read(p []byte) (int, error) {
	n, err := s.pipe.Read(p)
	if err != nil {
		s.drainOnce.Do(func() { close(s.drained) })
	}
	return n, err
}

// Close stops the capture program and releases the pipe. Output the program
// flushes while exiting stays readable for a short drain window.
func (s *commandStream) Close() error {
	s.closeOnce.Do(func() {
		select {
		case <-s.exited:
		default:
			_ = s.cmd.Process.Signal(os.Interrupt)
			select {
			case <-s.exited:
			case <-time.After(s.grace):
				_ = s.cmd.Process.Kill()
				<-s.exited
			}
		}
		select {
		case <-s.drained:
		case <-time.After(defaultDrainGrace):
		}
		_ = s.pipe.Close()
	})
	return nil
}
