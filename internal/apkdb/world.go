package apkdb

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// World is the ordered list of user-requested dependency constraints
// (§3/§4.4 "world" file): one constraint string per line, preserved in
// the order the user added them so re-writes don't needlessly reorder
// an administrator's intent.
type World struct {
	constraints []string
}

// NewWorld constructs an empty world list.
func NewWorld() *World { return &World{} }

// Constraints returns the current list, in order.
func (w *World) Constraints() []string { return append([]string(nil), w.constraints...) }

// Add appends constraint if not already present, returning whether it was added.
func (w *World) Add(constraint string) bool {
	if w.Contains(constraint) {
		return false
	}
	w.constraints = append(w.constraints, constraint)
	return true
}

// Remove deletes every constraint whose package-name prefix matches name
// (ignoring any "=version"/"<"/">" operator suffix), returning the count removed.
func (w *World) Remove(name string) int {
	out := w.constraints[:0]
	removed := 0
	for _, c := range w.constraints {
		if constraintName(c) == name {
			removed++
			continue
		}
		out = append(out, c)
	}
	w.constraints = out
	return removed
}

// Contains reports whether constraint is present verbatim.
func (w *World) Contains(constraint string) bool {
	for _, c := range w.constraints {
		if c == constraint {
			return true
		}
	}
	return false
}

// constraintName strips a trailing version operator/version from a world
// constraint, e.g. "foo>=1.2.3" -> "foo", "foo" -> "foo".
func constraintName(constraint string) string {
	for i, c := range constraint {
		if c == '=' || c == '<' || c == '>' || c == '~' {
			return constraint[:i]
		}
	}
	return constraint
}

// ReadWorld parses the world file, one constraint per non-blank,
// non-comment line.
func ReadWorld(r io.Reader) (*World, error) {
	w := NewWorld()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		w.Add(line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading world file: %w", err)
	}
	return w, nil
}

// WriteWorld serializes w's constraints, one per line, in stored order.
func WriteWorld(wtr io.Writer, w *World) error {
	bw := bufio.NewWriter(wtr)
	for _, c := range w.constraints {
		if _, err := fmt.Fprintln(bw, c); err != nil {
			return err
		}
	}
	return bw.Flush()
}
