// Package config loads the security core option set from the environment.
package config

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full configuration surface of the security core.
type Config struct {
	Addr  string `env:"CLINICORE_ADDR" envDefault:":8080"`
	PGDSN string `env:"CLINICORE_PG_DSN"`

	// Token lifetimes.
	TokenSecret string        `env:"CLINICORE_TOKEN_SECRET"`
	TokenIssuer string        `env:"CLINICORE_TOKEN_ISSUER" envDefault:"clinicore"`
	AccessTTL   time.Duration `env:"CLINICORE_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL  time.Duration `env:"CLINICORE_REFRESH_TTL" envDefault:"168h"`

	// Account lockout.
	LockoutThreshold int           `env:"CLINICORE_LOCKOUT_THRESHOLD" envDefault:"5"`
	LockoutWindow    time.Duration `env:"CLINICORE_LOCKOUT_WINDOW" envDefault:"15m"`
	LockoutDuration  time.Duration `env:"CLINICORE_LOCKOUT_DURATION" envDefault:"30m"`

	// Second factor.
	TOTPIssuer      string `env:"CLINICORE_TOTP_ISSUER" envDefault:"Clinicore"`
	TOTPSkew        uint   `env:"CLINICORE_TOTP_SKEW" envDefault:"1"`
	BackupCodeCount int    `env:"CLINICORE_BACKUP_CODES" envDefault:"10"`
	BackupCodeLen   int    `env:"CLINICORE_BACKUP_CODE_LENGTH" envDefault:"8"`

	// Password policy.
	PasswordMinLength    int           `env:"CLINICORE_PASSWORD_MIN_LENGTH" envDefault:"12"`
	PasswordHistoryDepth int           `env:"CLINICORE_PASSWORD_HISTORY" envDefault:"5"`
	PasswordExpiry       time.Duration `env:"CLINICORE_PASSWORD_EXPIRY" envDefault:"2160h"`

	// Login rate limiting per source address.
	LoginRatePerMinute int `env:"CLINICORE_LOGIN_RATE_PER_MINUTE" envDefault:"10"`
	LoginRateBurst     int `env:"CLINICORE_LOGIN_RATE_BURST" envDefault:"5"`

	// Field encryption. Keys are "version:base64" pairs, e.g.
	// CLINICORE_ENC_KEYS="1:<b64>,2:<b64>" CLINICORE_ENC_ACTIVE_KEY=2.
	EncKeys         []string `env:"CLINICORE_ENC_KEYS" envSeparator:","`
	EncActiveKey    uint32   `env:"CLINICORE_ENC_ACTIVE_KEY" envDefault:"1"`
	EncryptedFields []string `env:"CLINICORE_ENCRYPTED_FIELDS" envSeparator:"," envDefault:"cpf,phone,address,medical_records,prescriptions,billing_info,insurance_info"`

	// Audit retention (7 years by default, compliance requirement).
	AuditRetention time.Duration `env:"CLINICORE_AUDIT_RETENTION" envDefault:"61320h"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// EncryptionKeys decodes the configured key set into raw 32-byte keys by
// version. An empty configuration yields an empty map; the caller decides
// whether that is fatal.
func (c Config) EncryptionKeys() (map[uint32][]byte, error) {
	keys := make(map[uint32][]byte, len(c.EncKeys))
	for _, pair := range c.EncKeys {
		version, b64, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("malformed encryption key entry %q", pair)
		}
		v, err := strconv.ParseUint(version, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed encryption key version %q", version)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("decode encryption key v%s: %w", version, err)
		}
		keys[uint32(v)] = raw
	}
	return keys, nil
}
