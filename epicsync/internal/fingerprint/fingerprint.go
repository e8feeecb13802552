// Package fingerprint computes the content fingerprint that decides whether
// an epic changed since its last sync.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Compute returns a hex sha256 over the trimmed title and description.
// Leading and trailing whitespace does not count as a content change;
// interior edits do.
func Compute(title, description string) string {
	payload := strings.TrimSpace(title) + "\n" + strings.TrimSpace(description)
	sum := sha256.Sum256([]byte(payload))
	return fmt.Sprintf("%x", sum)
}
