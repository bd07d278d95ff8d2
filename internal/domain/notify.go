package domain

import "context"

// FormattedAlert is the templated, delivery-ready form of an Alert,
// built once by the dispatcher and handed to every enabled channel so
// formatting logic lives in exactly one place.
type FormattedAlert struct {
	Alert   Alert
	Title   string
	Message string
}

// NotifyChannel is the uniform capability every notification channel
// implements: a name for logging, an enabled check consulted before
// dispatch, and a send that reports success or failure but never panics
// or blocks the caller past its own internal retry budget.
type NotifyChannel interface {
	Name() string
	Enabled() bool
	Send(ctx context.Context, alert FormattedAlert) bool
}
