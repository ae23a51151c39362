// Package fcm pushes story events to Firebase Cloud Messaging topics so
// mobile readers following a story hear when it is free to write.
package fcm

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/storyrelay/backend/internal/domain"
)

const (
	queueSize   = 256
	sendTimeout = 10 * time.Second
)

// Sender delivers one message. *messaging.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// NewMessagingClient initialises Firebase from a credentials file, or from
// application default credentials when the path is empty.
func NewMessagingClient(ctx context.Context, logger *zap.Logger, credentialsFile string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	} else {
		logger.Warn("No Firebase credentials file provided. FCM will utilize environment variable GOOGLE_APPLICATION_CREDENTIALS or default credentials.")
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("error initializing firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}
	return msgClient, nil
}

// TopicForStory is the FCM topic a client subscribes to for a story.
func TopicForStory(storyID uuid.UUID) string {
	return "story_" + storyID.String()
}

// Notifier turns story events into topic messages. Publish only queues;
// Run does the sending.
type Notifier struct {
	sender Sender
	queue  chan domain.Event
	logger *zap.Logger
}

func NewNotifier(sender Sender, logger *zap.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		queue:  make(chan domain.Event, queueSize),
		logger: logger.Named("FCMNotifier"),
	}
}

// Publish queues event for delivery, dropping it if the queue is full.
func (n *Notifier) Publish(_ context.Context, event domain.Event) {
	select {
	case n.queue <- event:
	default:
		n.logger.Warn("Notification queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("storyID", event.StoryID.String()),
		)
	}
}

// Run sends queued events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-n.queue:
			n.send(ctx, event)
		}
	}
}

func (n *Notifier) send(ctx context.Context, event domain.Event) {
	message := buildMessage(event)
	if message == nil {
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if _, err := n.sender.Send(sendCtx, message); err != nil {
		n.logger.Error("Failed to send FCM message",
			zap.String("topic", message.Topic),
			zap.String("type", string(event.Type)),
			zap.Error(err),
		)
	}
}

func buildMessage(event domain.Event) *messaging.Message {
	data := map[string]string{
		"type":     string(event.Type),
		"story_id": event.StoryID.String(),
	}

	var title, body string
	switch event.Type {
	case domain.EventLockAcquired:
		// Data only: apps grey out the write button.
		if event.Lease != nil {
			data["lock_expire_at"] = event.Lease.ExpiresAt.UTC().Format(time.RFC3339)
		}
	case domain.EventLockReleased:
		title, body = "Story is free", "Nobody is writing right now. Take the next turn."
	case domain.EventTurnSubmitted:
		title, body = "New turn", "A new paragraph was added."
		if event.Turn != nil {
			data["turn_index"] = strconv.Itoa(event.Turn.TurnIndex)
			body = fmt.Sprintf("Turn %d was added. The story is free to continue.", event.Turn.TurnIndex)
		}
	case domain.EventStoryCompleted:
		title, body = "Story completed", "The story is finished. Read it and leave an epilogue."
	default:
		return nil
	}

	message := &messaging.Message{
		Topic: TopicForStory(event.StoryID),
		Data:  data,
	}
	if title != "" {
		message.Notification = &messaging.Notification{Title: title, Body: body}
	}
	return message
}
