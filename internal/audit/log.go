package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"gestion.org/internal/auth"
	"gestion.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// Security-relevant events.
const (
	EventLoginSucceeded     = "auth.login.succeeded"
	EventLoginFailed        = "auth.login.failed"
	EventTokenRefreshed     = "auth.token.refreshed"
	EventTokenRevoked       = "auth.token.revoked"
	EventTokensRevokedAll   = "auth.token.revoked_all"
	EventAccountRegistered  = "account.registered"
	EventAccountActivated   = "account.activated"
	EventActivationReissued = "account.activation_reissued"
	EventPasswordChanged    = "account.password_changed"
	EventUserCreated        = "admin.user_created"
	EventRoleAssigned       = "admin.role_assigned"
	EventGrantChanged       = "admin.grant_changed"
)

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id attached by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log entry enriched with request and user context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if id, ok := auth.IdentityFromContext(ctx); ok {
		entry["user_id"] = id.UserID
		if id.Username != "" {
			entry["username"] = id.Username
		}
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info(event)
	return nil
}

// Record is LogEvent for callers that have nothing to do with the error.
func Record(ctx context.Context, event string, fields map[string]any) {
	if err := LogEvent(ctx, event, fields); err != nil {
		obs.Logger().WithError(err).Warn("audit event dropped")
	}
}
