package fieldcrypt

import "strings"

// MaskKind selects the redaction shape for a value.
type MaskKind string

const (
	MaskGeneric  MaskKind = "generic"
	MaskEmail    MaskKind = "email"
	MaskPhone    MaskKind = "phone"
	MaskDocument MaskKind = "document"
)

// filler is a fixed-width placeholder; its length never depends on the
// input, so masked output is not reversible.
const filler = "••••"

// Mask produces a partially redacted representation for display and audit
// payloads. Deterministic per input, never reversible, and for inputs longer
// than the preserved affixes the output never contains the full original.
func Mask(value string, kind MaskKind) string {
	if value == "" {
		return ""
	}
	switch kind {
	case MaskEmail:
		local, domain, ok := strings.Cut(value, "@")
		if !ok {
			return Mask(value, MaskGeneric)
		}
		return keepPrefix(local, 1) + "@" + domain
	case MaskPhone:
		return filler + keepSuffix(value, 4)
	case MaskDocument:
		return keepPrefix(value, 3) + filler + keepSuffix(value, 2)
	default:
		return keepPrefix(value, 2) + filler + keepSuffix(value, 2)
	}
}

// MaskRecord masks each listed field in place on a copy of record, using the
// generic shape. Unknown fields are ignored.
func MaskRecord(record map[string]string, fieldNames []string) map[string]string {
	out := cloneRecord(record)
	for _, name := range fieldNames {
		if v, ok := out[name]; ok && v != "" {
			out[name] = Mask(v, MaskGeneric)
		}
	}
	return out
}

func keepPrefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return filler
	}
	return string(r[:n])
}

func keepSuffix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return filler
	}
	return string(r[len(r)-n:])
}
