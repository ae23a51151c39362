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
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/storyrelay/backend/pkg/client"
)

var (
	writeServer string
	writeToken  string
	writeStory  string
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Take the write lease on a story and submit one turn from stdin",
	RunE: func(cmd *cobra.Command, args []string) error {
		storyID, err := uuid.Parse(writeStory)
		if err != nil {
			return fmt.Errorf("invalid --story: %w", err)
		}
		token := writeToken
		if token == "" {
			token = os.Getenv("STORYRELAY_TOKEN")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		session := client.NewSession(client.New(writeServer, token), storyID)
		return runWriteSession(ctx, session, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	writeCmd.Flags().StringVar(&writeServer, "server", "http://localhost:8080", "API base URL")
	writeCmd.Flags().StringVar(&writeToken, "token", "", "bearer token (default $STORYRELAY_TOKEN)")
	writeCmd.Flags().StringVar(&writeStory, "story", "", "story id")
	_ = writeCmd.MarkFlagRequired("story")
}

// runWriteSession takes the lease, reads the turn from in until EOF while
// the countdown runs on errOut, and submits it. Running out of time or an
// interrupt releases the lease.
func runWriteSession(ctx context.Context, session *client.Session, in io.Reader, out, errOut io.Writer) error {
	if err := session.Start(ctx); err != nil {
		var denied *client.DeniedError
		if errors.As(err, &denied) {
			return fmt.Errorf("story is being written by %s, try again in %s: %w",
				denied.Holder, denied.RetryAfter(time.Now()).Round(time.Second), err)
		}
		return err
	}
	fmt.Fprintf(errOut, "Lease granted until %s. Write your turn and finish with Ctrl-D.\n",
		session.ExpiresAt().Local().Format(time.Kitchen))

	text := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		raw, err := io.ReadAll(bufio.NewReader(in))
		if err != nil {
			readErr <- err
			return
		}
		text <- string(raw)
	}()

	countdownCtx, cancelCountdown := context.WithCancel(ctx)
	defer cancelCountdown()
	ticks := session.Countdown(countdownCtx, 30*time.Second)

	for {
		select {
		case content := <-text:
			cancelCountdown()
			receipt, err := session.Submit(ctx, strings.TrimSpace(content))
			if err != nil {
				if errors.Is(err, client.ErrLockMismatch) {
					return fmt.Errorf("your lease ran out before the turn arrived; start again: %w", err)
				}
				_ = session.Cancel(context.Background())
				return err
			}
			fmt.Fprintf(out, "Turn %d submitted (%s)\n", receipt.TurnIndex, receipt.TurnID)
			return nil

		case err := <-readErr:
			_ = session.Cancel(context.Background())
			return fmt.Errorf("failed to read turn: %w", err)

		case remaining, ok := <-ticks:
			if !ok {
				if ctx.Err() != nil {
					_ = session.Cancel(context.Background())
					return ctx.Err()
				}
				ticks = nil
				continue
			}
			if remaining == 0 {
				_ = session.Cancel(context.Background())
				return errors.New("time is up, the lease has been given back")
			}
			fmt.Fprintf(errOut, "%s left\n", remaining.Round(time.Second))

		case <-ctx.Done():
			_ = session.Cancel(context.Background())
			return ctx.Err()
		}
	}
}
