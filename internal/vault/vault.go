// Package vault stores ledger snapshots and archived session logs off-host.
// Objects are addressed by slash-separated names such as
// "snapshots/<host>/ledger.db" and carry an integer version marker.
package vault

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrObjectNotFound is returned by GetObject for a name that was never stored.
var ErrObjectNotFound = errors.New("vault object not found")

// checkName rejects names that could escape the vault root.
func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("empty object name")
	}
	if strings.HasPrefix(name, "/") || strings.Contains(name, "\\") {
		return fmt.Errorf("invalid object name %q", name)
	}
	if path.Clean(name) != name {
		return fmt.Errorf("invalid object name %q", name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("invalid object name %q", name)
		}
	}
	return nil
}
