// Package transfer implements the outbound send/download/list/ping
// client operations (§4.9) plus the collision-safe destination naming
// shared with the inbound file-offer handler (§4.7).
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// UniqueDestination returns a path under dir for name that does not
// already exist, appending "_1", "_2", ... before the extension on
// collision (§4.7, §8 invariant 5).
func UniqueDestination(dir, name string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("transfer: create downloads dir %s: %w", dir, err)
	}

	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate, nil
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
}
