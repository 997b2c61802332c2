// Package provider implements the two downstream push networks: credential
// managers that mint short-lived bearer tokens and dispatchers that relay
// composed notifications through them.
package provider

import (
	"context"
	"errors"
	"net/http"

	"github.com/poppingmoon/misskey-web-push-proxy/internal/models"
	"github.com/poppingmoon/misskey-web-push-proxy/pkg/retry"
)

// Kind tags a send outcome.
type Kind int

const (
	// Delivered means the provider accepted the notification.
	Delivered Kind = iota
	// TokenRevoked means the provider reported the device token as
	// permanently invalid; the subscription must be removed.
	TokenRevoked
	// Failed covers every other delivery failure.
	Failed
)

// Result is the outcome of a single provider send. Callers switch on Kind
// rather than unwrapping error chains.
type Result struct {
	Kind   Kind
	Status int
	Err    error
}

// Dispatcher is the closed contract the lifecycle controller depends on.
// validateOnly requests a synthetic no-op send used to confirm a device
// token is currently acceptable to the provider.
type Dispatcher interface {
	Name() string
	Send(ctx context.Context, n *models.Notification, deviceToken string, validateOnly bool) Result
}

// revoked maps the provider statuses that signal a permanently invalid
// device token. 401/403/404 cover APNs expired/invalid tokens and the FCM
// unregistered/sender-mismatch responses alike.
func revoked(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	default:
		return false
	}
}

func classify(err error) Result {
	var statusErr *retry.StatusError
	if errors.As(err, &statusErr) {
		if revoked(statusErr.Status) {
			return Result{Kind: TokenRevoked, Status: statusErr.Status, Err: err}
		}
		return Result{Kind: Failed, Status: statusErr.Status, Err: err}
	}
	return Result{Kind: Failed, Err: err}
}
