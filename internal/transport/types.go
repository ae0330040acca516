// Package transport defines the chat-delivery contract the rest of the bot
// is written against. The dispatcher only sees this package; the Telegram
// specifics live in transport/telegram.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrUnreachable marks a permanent per-recipient failure: the recipient
// blocked the bot, deleted their account or the chat no longer exists.
// The dispatcher deactivates the subscriber and does not retry.
// Anything else returned by SendText is treated as transient.
var ErrUnreachable = errors.New("recipient unreachable")

// TooManyRequestsError is a transient failure carrying the server-requested
// pause. The dispatcher honors RetryAfter before the next attempt.
type TooManyRequestsError struct {
	RetryAfter time.Duration
}

func (e *TooManyRequestsError) Error() string {
	return "rate limited by server, retry after " + e.RetryAfter.String()
}

// Sender delivers one text message to one recipient.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}
