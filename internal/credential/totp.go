package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pquerna/otp/totp"
)

const totpPeriod = 30 * time.Second

// verifyTOTP checks the code at the current step and the configured skew
// on either side. It returns the matched step so the caller can persist it
// and reject a second spend of the same code.
func (s *Service) verifyTOTP(secret, code string, at time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if code == "" {
		return 0, false
	}
	skew := int(s.params.TOTPSkew)
	for offset := -skew; offset <= skew; offset++ {
		t := at.Add(time.Duration(offset) * totpPeriod)
		expected, err := totp.GenerateCode(secret, t)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return t.Unix() / int64(totpPeriod/time.Second), true
		}
	}
	return 0, false
}

// hashBackupCode normalizes and hashes a backup code for storage and
// lookup. Codes are uppercase hex; user input is forgiven case and spaces.
func hashBackupCode(code string) string {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), " ", ""))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func withoutHash(hashes []string, hash string) []string {
	out := hashes[:0]
	for _, h := range hashes {
		if h != hash {
			out = append(out, h)
		}
	}
	return out
}
