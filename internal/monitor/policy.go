package monitor

import (
	"time"

	"clinicore.org/internal/audit"
)

// ThreatKind names a detection rule.
type ThreatKind string

const (
	ThreatBruteForce         ThreatKind = "brute_force"
	ThreatCredentialStuffing ThreatKind = "credential_stuffing"
	ThreatPermissionProbing  ThreatKind = "permission_probing"
	ThreatTokenReplay        ThreatKind = "token_replay"
	ThreatUnusualLocation    ThreatKind = "unusual_location"
)

// Policy is the threshold for one threat kind: Count events inside Window
// raises a signal; AutoBlock additionally persists a block directive for
// BlockFor.
type Policy struct {
	Count     int
	Window    time.Duration
	Severity  audit.Severity
	AutoBlock bool
	BlockFor  time.Duration
}

// DefaultPolicies mirror the lockout and abuse thresholds of the login
// path. Permission probing and unusual locations alert without blocking;
// a single token replay is enough to block its source.
func DefaultPolicies() map[ThreatKind]Policy {
	return map[ThreatKind]Policy{
		ThreatBruteForce: {
			Count: 5, Window: 15 * time.Minute,
			Severity: audit.SeverityHigh, AutoBlock: true, BlockFor: 30 * time.Minute,
		},
		ThreatCredentialStuffing: {
			Count: 4, Window: 15 * time.Minute,
			Severity: audit.SeverityCritical, AutoBlock: true, BlockFor: time.Hour,
		},
		ThreatPermissionProbing: {
			Count: 10, Window: 10 * time.Minute,
			Severity: audit.SeverityMedium,
		},
		ThreatTokenReplay: {
			Count: 1, Window: time.Minute,
			Severity: audit.SeverityCritical, AutoBlock: true, BlockFor: time.Hour,
		},
		ThreatUnusualLocation: {
			Count: 1, Window: time.Minute,
			Severity: audit.SeverityLow,
		},
	}
}
