package audit

import "time"

// Kind is the closed enumeration of security-relevant event types.
type Kind string

const (
	KindLoginSuccess     Kind = "login_success"
	KindLoginFailure     Kind = "login_failure"
	KindLogout           Kind = "logout"
	KindPasswordChange   Kind = "password_change"
	KindTwoFAEnrolled    Kind = "twofa_enrolled"
	KindTwoFAVerified    Kind = "twofa_verified"
	KindTwoFAFailure     Kind = "twofa_failure"
	KindAccountLocked    Kind = "account_locked"
	KindAccountUnlocked  Kind = "account_unlocked"
	KindPermissionDenied Kind = "permission_denied"
	KindTokenRefreshed   Kind = "token_refreshed"
	KindTokenReused      Kind = "token_reused"
	KindDataAccess       Kind = "data_access"
	KindBlockCreated     Kind = "block_created"
	KindBlockRemoved     Kind = "block_removed"
	KindConfigChange     Kind = "config_change"
)

var allKinds = map[Kind]struct{}{
	KindLoginSuccess: {}, KindLoginFailure: {}, KindLogout: {},
	KindPasswordChange: {}, KindTwoFAEnrolled: {}, KindTwoFAVerified: {},
	KindTwoFAFailure: {}, KindAccountLocked: {}, KindAccountUnlocked: {},
	KindPermissionDenied: {}, KindTokenRefreshed: {}, KindTokenReused: {},
	KindDataAccess: {}, KindBlockCreated: {}, KindBlockRemoved: {},
	KindConfigChange: {},
}

// Valid reports whether k belongs to the closed enumeration.
func (k Kind) Valid() bool {
	_, ok := allKinds[k]
	return ok
}

// Security-critical kinds: their durable write is awaited before the
// triggering action is acknowledged (at-least-once, never best-effort).
var criticalKinds = map[Kind]struct{}{
	KindLoginFailure: {}, KindAccountLocked: {}, KindPermissionDenied: {},
	KindTokenReused: {}, KindBlockCreated: {}, KindBlockRemoved: {},
	KindPasswordChange: {}, KindConfigChange: {},
}

// Critical reports whether events of this kind require synchronous
// durability.
func (k Kind) Critical() bool {
	_, ok := criticalKinds[k]
	return ok
}

// Severity ranks an event for filtering and alerting.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2, SeverityCritical: 3,
}

// Rank returns the numeric order of the severity; unknown values rank lowest.
func (s Severity) Rank() int { return severityRank[s] }

// Event is one immutable entry of the audit trail. Payload holds a masked
// snapshot only; raw sensitive values must never reach an Event.
type Event struct {
	Seq      uint64            `json:"seq"`
	Time     time.Time         `json:"time"`
	Actor    string            `json:"actor,omitempty"` // empty for anonymous/failed auth
	Kind     Kind              `json:"kind"`
	Severity Severity          `json:"severity"`
	Resource string            `json:"resource,omitempty"`
	Source   string            `json:"source,omitempty"` // originating address
	Payload  map[string]string `json:"payload,omitempty"`
}

// Filter narrows Query results. Zero values mean "no constraint".
type Filter struct {
	Actor       string
	Kind        Kind
	MinSeverity Severity
	From        time.Time
	To          time.Time
	AfterSeq    uint64
	Limit       int
}

// Matches reports whether the event passes the filter (used by stores).
func (f Filter) Matches(e Event) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if !f.From.IsZero() && e.Time.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Time.After(f.To) {
		return false
	}
	if e.Seq <= f.AfterSeq {
		return false
	}
	return true
}
