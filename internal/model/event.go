package model

import "time"

// Severity は運用者向け通知の重要度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EventKind は状態遷移ごとの通知種別。
type EventKind string

const (
	EventRateLimited       EventKind = "rate_limited"
	EventPaused            EventKind = "paused"
	EventLinkPrompted      EventKind = "link_prompted"
	EventInvalidLinkState  EventKind = "invalid_link_state"
	EventDuplicateLink     EventKind = "duplicate_link"
	EventLinked            EventKind = "linked"
	EventUpstreamAuthError EventKind = "upstream_auth_error"
	EventDispensed         EventKind = "dispensed"
	EventPoolExhausted     EventKind = "pool_exhausted"
	EventLowPoolEntered    EventKind = "low_pool_entered"
	EventLowPoolCleared    EventKind = "low_pool_cleared"
	EventDeliveryFailed    EventKind = "delivery_failed"
	EventInconsistency     EventKind = "internal_inconsistency"
	EventAdminAction       EventKind = "admin_action"
)

// Event はオブザーバーに通知される状態遷移イベント。
type Event struct {
	Kind         EventKind
	Severity     Severity
	Title        string
	Identity     string
	CredentialID string
	Detail       string
	At           time.Time
}
