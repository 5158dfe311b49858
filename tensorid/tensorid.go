// Package tensorid allocates the stable `<name>_<seq:8>_<uuid>` identifiers
// spec §3 requires for every tensor file, collision-free by construction.
package tensorid

import (
	"fmt"
	"regexp"
	"sync/atomic"

	"github.com/google/uuid"
)

// ID is a stable, file-safe tensor identifier.
type ID string

var invalidChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// Allocator hands out monotonically-numbered, UUID-suffixed ids. Safe for
// concurrent use; in practice the core has exactly one allocator per
// TensorStore session.
type Allocator struct {
	seq atomic.Uint64
}

// New allocates a fresh id for a tensor named name (sanitized to a safe
// filename component).
func (a *Allocator) New(name string) ID {
	n := a.seq.Add(1)
	safe := invalidChars.ReplaceAllString(name, "_")
	return ID(fmt.Sprintf("%s_%08d_%s", safe, n, uuid.NewString()))
}
