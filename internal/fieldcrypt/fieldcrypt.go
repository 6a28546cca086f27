// Package fieldcrypt applies field-level encryption and masking to domain
// records. It never persists anything; callers store the returned copies.
package fieldcrypt

import (
	"fmt"
	"strings"

	"clinicore.org/internal/crypto"
)

// Service encrypts and decrypts named fields of a record using the shared
// keyring. The set of fields treated as sensitive is an explicit configured
// list, never inferred from content.
type Service struct {
	keyring    *crypto.Keyring
	configured []string
}

// New constructs a Service around the keyring with the configured
// encrypted-field list.
func New(keyring *crypto.Keyring, encryptedFields []string) *Service {
	configured := make([]string, 0, len(encryptedFields))
	for _, f := range encryptedFields {
		f = strings.TrimSpace(f)
		if f != "" {
			configured = append(configured, f)
		}
	}
	return &Service{keyring: keyring, configured: configured}
}

// ConfiguredFields returns the configured encrypted-field list.
func (s *Service) ConfiguredFields() []string {
	out := make([]string, len(s.configured))
	copy(out, s.configured)
	return out
}

// EncryptFields returns a copy of record with each named field replaced by
// its envelope (active key version). Field names absent from the record are
// ignored so callers may pass a superset.
func (s *Service) EncryptFields(record map[string]string, fieldNames []string) (map[string]string, error) {
	out := cloneRecord(record)
	for _, name := range fieldNames {
		value, ok := out[name]
		if !ok || value == "" {
			continue
		}
		env, err := s.keyring.EncryptActive([]byte(value))
		if err != nil {
			return nil, fmt.Errorf("encrypt field %s: %w", name, err)
		}
		out[name] = env.Encode()
	}
	return out, nil
}

// EncryptConfigured encrypts the configured field list.
func (s *Service) EncryptConfigured(record map[string]string) (map[string]string, error) {
	return s.EncryptFields(record, s.configured)
}

// DecryptFields is the inverse of EncryptFields. Provider errors
// (ErrAuthenticationFailed, ErrKeyUnavailable) propagate unchanged.
func (s *Service) DecryptFields(record map[string]string, fieldNames []string) (map[string]string, error) {
	out := cloneRecord(record)
	for _, name := range fieldNames {
		value, ok := out[name]
		if !ok || value == "" {
			continue
		}
		env, err := crypto.DecodeEnvelope(value)
		if err != nil {
			return nil, fmt.Errorf("decode field %s: %w", name, err)
		}
		plain, err := s.keyring.Decrypt(env)
		if err != nil {
			return nil, err
		}
		out[name] = string(plain)
	}
	return out, nil
}

func cloneRecord(record map[string]string) map[string]string {
	out := make(map[string]string, len(record))
	for k, v := range record {
		out[k] = v
	}
	return out
}
