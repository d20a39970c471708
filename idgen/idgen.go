// Package idgen generates the string identifiers used by pagewatch for
// targets, batch runs and retry jobs. Snapshot, extraction and change-record
// ids are SQLite autoincrement integers and do not come from here.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so ids created later sort after earlier ones.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Typed generators for the entities that carry string ids.
var (
	Target = Prefixed("tgt_", Default)
	Run    = Prefixed("run_", Default)
	Job    = Prefixed("job_", Default)
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates an id produced by Default or one of the typed generators
// and returns the bare UUID.
func Parse(s string) (string, error) {
	if i := strings.IndexByte(s, '_'); i >= 0 && i < 8 {
		s = s[i+1:]
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid id: %w", err)
	}
	return u.String(), nil
}
