package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns an opaque identifier such as "line-6f1c...". Identifiers are
// random v4 UUIDs so they are never reused within or across bills.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}
