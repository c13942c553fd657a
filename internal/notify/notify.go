// Package notify relays operator notifications (visitor feedback) to chat.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/MGallo-Code/fitroom/internal/store"
)

// Message is one notification. Kind tags the source for logs and metrics.
type Message struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Notifier delivers a Message.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NopNotifier discards every message. Used when Telegram is not configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Message) error { return nil }

// FeedbackMessage renders a stored feedback row for the operator chat.
func FeedbackMessage(f store.Feedback) Message {
	var b strings.Builder
	b.WriteString("New feedback")
	if f.Rating != nil {
		fmt.Fprintf(&b, " (%d/5)", *f.Rating)
	}
	b.WriteString("\n\n")
	b.WriteString(f.Message)
	b.WriteString("\n")
	switch {
	case f.UserID != nil:
		fmt.Fprintf(&b, "\nuser: %s", f.UserID)
	case f.DeviceFingerprint != nil:
		fmt.Fprintf(&b, "\ndevice: %s", *f.DeviceFingerprint)
	}
	if f.Contact != nil && *f.Contact != "" {
		fmt.Fprintf(&b, "\ncontact: %s", *f.Contact)
	}
	return Message{Kind: "feedback", Text: b.String()}
}
