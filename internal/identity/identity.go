// Package identity assigns exchange identifiers and the dense monotonic
// sequence number used for display ordering.
package identity

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Allocator is safe for concurrent use. The zero value is ready to use.
type Allocator struct {
	seq atomic.Int64
}

// NewID returns a value unique across the process lifetime. It need not be
// unpredictable, only unique.
func (a *Allocator) NewID() string {
	return uuid.NewString()
}

// NextSeq returns an integer strictly greater than every value it has
// previously returned, even under concurrent callers. Gaps are permitted
// (an exchange may be allocated and later dropped before display) but no two
// callers ever observe the same value.
func (a *Allocator) NextSeq() int64 {
	return a.seq.Add(1)
}
