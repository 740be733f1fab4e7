package resolve

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes a stable SHA-256 hash for the given role set.
// Order and duplicates do not affect the result; the empty set hashes to a
// fixed, non-empty value so "no roles" is distinguishable from "never
// fetched".
func Fingerprint(roles []string) string {
	deduped := make([]string, 0, len(roles))
	seen := make(map[string]bool, len(roles))
	for _, role := range roles {
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		deduped = append(deduped, role)
	}
	sort.Strings(deduped)

	sum := sha256.Sum256([]byte(strings.Join(deduped, "\n")))
	return hex.EncodeToString(sum[:])
}
