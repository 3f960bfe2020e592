package receipt

import "strings"

// Composite participant keys use ':' and '-' as separators. Payloads that
// crossed non-Go systems have arrived with visually identical Unicode
// variants in place of the ASCII separators, which silently breaks map
// lookups against the current user's key. The table collapses every variant
// seen in the wild to its canonical ASCII form.
var separatorVariants = strings.NewReplacer(
	"：", ":", // fullwidth colon
	"﹕", ":", // small colon
	"∶", ":", // ratio sign
	"‐", "-", // hyphen
	"‑", "-", // non-breaking hyphen
	"−", "-", // minus sign
	"－", "-", // fullwidth hyphen-minus
)

// CanonicalKey returns the canonical representation of a participant key.
func CanonicalKey(key string) string {
	return separatorVariants.Replace(strings.TrimSpace(key))
}

// CanonicalizeUnread rewrites an externally-sourced unread map onto
// canonical keys. Negative counters clamp to zero; when two variants
// collapse onto one key the larger counter wins.
func CanonicalizeUnread(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		if v < 0 {
			v = 0
		}
		ck := CanonicalKey(k)
		if cur, ok := out[ck]; !ok || v > cur {
			out[ck] = v
		}
	}
	return out
}
