package notify

import (
	"context"
	"fmt"
)

// Button is an inline keyboard button carrying a callback payload.
type Button struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// Message is one outbound chat message.
type Message struct {
	ChatID  int64
	Text    string
	Buttons []Button
}

// Transport delivers chat messages. Implementations report classified
// failures as *SendError.
type Transport interface {
	SendMessage(ctx context.Context, msg Message) error
}

// ErrorKind classifies transport failures.
type ErrorKind int

const (
	ErrorOther ErrorKind = iota
	// ErrorRateLimited means the messenger asked us to slow down.
	ErrorRateLimited
	// ErrorRecipientUnavailable means the user blocked the bot or the dialog is suspended.
	ErrorRecipientUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRateLimited:
		return "rate_limited"
	case ErrorRecipientUnavailable:
		return "recipient_unavailable"
	default:
		return "other"
	}
}

// SendError is a classified transport failure.
type SendError struct {
	Kind       ErrorKind
	StatusCode int
	Code       string
	Err        error
}

func (e *SendError) Error() string {
	msg := fmt.Sprintf("notify: send failed (%s", e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(", status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg += ", code " + e.Code
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() error { return e.Err }

// AddressBook resolves where to deliver a user's messages.
type AddressBook interface {
	LastChatID(ctx context.Context, userID int64) (int64, bool, error)
}
