// Package push delivers notification pings for missed calls and messages
// arriving while a conversation is off screen, via Firebase Cloud Messaging.
package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"

	"github.com/webchat-dev/go-chat-ua/pkg/utils"
)

var (
	logger *logrus.Entry
)

func init() {
	logger = utils.NewLogrusLogger(utils.DefaultLogLevel, "Push")
}

type Sender struct {
	client *messaging.Client
}

func NewSender(ctx context.Context, credentialsFile string) (*Sender, error) {
	opt := option.WithCredentialsFile(credentialsFile)
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("push: init app: %v", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("push: init messaging: %v", err)
	}
	return &Sender{client: client}, nil
}

// Send pushes a data payload to one device token and returns the message ID.
func (s *Sender) Send(ctx context.Context, token string, payload map[string]string) (string, error) {
	message := &messaging.Message{
		Data:  payload,
		Token: token,
	}
	id, err := s.client.Send(ctx, message)
	if err != nil {
		return "", fmt.Errorf("push: send: %v", err)
	}
	logger.Infof("pushed %s", id)
	return id, nil
}

// MissedCall formats the payload for a call that rang out or was rejected.
func MissedCall(callerID string, video bool) map[string]string {
	kind := "audio"
	if video {
		kind = "video"
	}
	return map[string]string{
		"event":  "missed-call",
		"caller": callerID,
		"kind":   kind,
	}
}

// NewMessage formats the payload for a chat message landing while the
// recipient has no active session.
func NewMessage(senderID, preview string) map[string]string {
	return map[string]string{
		"event":   "message",
		"sender":  senderID,
		"preview": preview,
	}
}
