package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"voicenote/internal/capture"
	"voicenote/internal/conversation"
	"voicenote/internal/domain"
	"voicenote/internal/usecase"
)

func recordCmd() *cobra.Command {
	var (
		maxDuration time.Duration
		yes         bool
	)
	cmd := &cobra.Command{
		Use:   "record <peer>",
		Short: "Record a voice note and send it to peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, args[0], maxDuration, yes)
		},
	}
	cmd.Flags().DurationVar(&maxDuration, "max", 2*time.Minute, "stop recording automatically after this long")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "send without asking for confirmation")
	return cmd
}

func runRecord(cmd *cobra.Command, peer string, maxDuration time.Duration, yes bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.sender.Quota(ctx, a.cfg.UserID)
	if err != nil {
		return describe(err)
	}
	if q.Remaining == 0 {
		return fmt.Errorf("no voice notes left today (limit %d)", q.Limit)
	}

	dev, err := capture.NewCommandDevice(a.cfg.Capture.Command)
	if err != nil {
		return err
	}
	status := cmd.ErrOrStderr()
	ctrl, err := capture.NewController(dev,
		capture.WithContentType(a.cfg.Capture.ContentType),
		capture.WithPreviewDir(a.cfg.Capture.PreviewDir),
		capture.WithLogger(logger),
		capture.WithOnTick(func(seconds int) {
			fmt.Fprintf(status, "\rrecording %s  (Enter to stop)", formatElapsed(seconds))
		}),
	)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	lines := readLines(ctx, cmd.InOrStdin())
	if err := ctrl.Start(ctx); err != nil {
		return describe(usecase.CaptureError(err))
	}

	timer := time.NewTimer(maxDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-lines:
	case <-timer.C:
	}
	st, err := ctrl.Stop()
	fmt.Fprintln(status)
	if err != nil {
		return describe(usecase.CaptureError(err))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if st == capture.Idle {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing was captured")
		return nil
	}

	if path := ctrl.PreviewPath(); path != "" {
		fmt.Fprintf(status, "preview: %s\n", path)
	}
	if !yes {
		fmt.Fprintf(status, "send %s voice note to %s? [y/N] ", formatElapsed(ctrl.Elapsed()), peer)
		var answer string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case answer = <-lines:
		}
		if !confirmed(answer) {
			if err := ctrl.Discard(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "discarded")
			return nil
		}
	}

	out, err := a.sender.SendRecording(ctx, ctrl, a.cfg.UserID, peer)
	if err != nil {
		return describe(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent %s voice note to %s (%d left today)\n",
		formatElapsed(out.Message.DurationSeconds), peer, out.Remaining)
	return nil
}

func sendCmd() *cobra.Command {
	var (
		duration    int
		contentType string
	)
	cmd := &cobra.Command{
		Use:   "send <peer> <file>",
		Short: "Send an existing audio file as a voice note",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			audio, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if contentType == "" {
				contentType = a.cfg.Capture.ContentType
			}
			out, err := a.sender.Send(ctx, usecase.SendInput{
				SenderID:        a.cfg.UserID,
				ReceiverID:      args[0],
				Audio:           audio,
				DurationSeconds: duration,
				ContentType:     contentType,
			})
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d left today)\n", out.Message.ID, out.Remaining)
			return nil
		},
	}
	cmd.Flags().IntVarP(&duration, "duration", "d", 0, "clip length in seconds")
	cmd.Flags().StringVar(&contentType, "content-type", "", "audio content type (default: capture.content_type)")
	return cmd
}

func listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen <peer>",
		Short: "Show the conversation with peer and follow new voice notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			updates := make(chan domain.Message, 64)
			syncer, err := conversation.New(a.repo, a.feed,
				conversation.WithLogger(logger),
				conversation.WithOnMessage(func(m domain.Message) {
					select {
					case updates <- m:
					case <-ctx.Done():
					}
				}),
			)
			if err != nil {
				return err
			}
			defer syncer.Close()

			if err := syncer.Open(ctx, a.cfg.UserID, args[0]); err != nil {
				return err
			}
			view := syncer.View()
			if view.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "could not load history, showing new messages only: %v\n", view.Err)
			}
			printConversation(ctx, cmd.OutOrStdout(), a.cfg.UserID, view.Messages, updates)
			return nil
		},
	}
}

// printConversation writes history, then every update not already shown,
// until ctx ends or updates is closed. Updates admitted before the history
// snapshot was taken are delivered again and skipped here.
func printConversation(ctx context.Context, out io.Writer, selfID string, history []domain.Message, updates <-chan domain.Message) {
	shown := make(map[string]struct{}, len(history))
	for _, m := range history {
		shown[m.ID] = struct{}{}
		fmt.Fprintln(out, formatMessage(m, selfID))
	}
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-updates:
			if !ok {
				return
			}
			if _, dup := shown[m.ID]; dup {
				continue
			}
			shown[m.ID] = struct{}{}
			fmt.Fprintln(out, formatMessage(m, selfID))
		}
	}
}

func quotaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show how many voice notes you can still send today",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := a.sender.Quota(ctx, a.cfg.UserID)
			if err != nil {
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d voice notes left on %s\n", q.Remaining, q.Limit, q.Date)
			return nil
		},
	}
}

// readLines delivers r line by line until EOF or until ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case ch <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func confirmed(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	}
	return false
}

// describe turns use case errors into messages for a person at a terminal.
func describe(err error) error {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return err
	}
	switch ue.Code {
	case usecase.ErrorQuotaExceeded:
		return fmt.Errorf("daily limit of %d voice notes reached, try again tomorrow", ue.Limit)
	case usecase.ErrorStore:
		return fmt.Errorf("could not reach the message store, try again: %w", err)
	case usecase.ErrorDeviceUnavailable:
		return fmt.Errorf("microphone unavailable, check capture.command and permissions: %w", err)
	case usecase.ErrorInvalidInput:
		return fmt.Errorf("invalid request (%s)", ue.Reason)
	default:
		return err
	}
}

func formatElapsed(seconds int) string {
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}

func formatMessage(m domain.Message, selfID string) string {
	who := m.SenderID
	if m.SenderID == selfID {
		who = "you"
	}
	return fmt.Sprintf("%s  %-10s %5s  %s", m.CreatedAt.Local().Format("Jan 02 15:04"), who, formatElapsed(m.DurationSeconds), m.AudioRef)
}
