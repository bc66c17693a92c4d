package apkdb

// Atom is a handle to an interned blob. Equality is by pointer: two
// Atoms are the same value iff they point at the same *atomEntry.
type Atom struct {
	entry *atomEntry
}

type atomEntry struct {
	data []byte
}

// Equal reports whether two atoms refer to the identical interned blob.
func (a Atom) Equal(b Atom) bool {
	return a.entry == b.entry
}

// Valid reports whether the atom was ever assigned (the zero Atom is invalid).
func (a Atom) Valid() bool { return a.entry != nil }

// Bytes returns the interned blob. Callers must not mutate the result.
func (a Atom) Bytes() []byte {
	if a.entry == nil {
		return nil
	}
	return a.entry.data
}

func (a Atom) String() string {
	if a.entry == nil {
		return ""
	}
	return string(a.entry.data)
}

// AtomTable interns byte blobs, returning stable handles with pointer equality.
// Used for versions, architectures, ACL tuples, license strings, repo tags.
type AtomTable struct {
	byKey map[string]*atomEntry
}

// NewAtomTable constructs an empty atom table.
func NewAtomTable() *AtomTable {
	return &AtomTable{byKey: make(map[string]*atomEntry)}
}

// Atomize returns the existing handle for blob if one was already interned,
// otherwise it interns blob (without copying; caller must not mutate blob
// afterward) and returns the new handle.
func (t *AtomTable) Atomize(blob []byte) Atom {
	key := string(blob) // string(blob) copies; safe map key regardless of caller mutation
	if e, ok := t.byKey[key]; ok {
		return Atom{entry: e}
	}
	e := &atomEntry{data: blob}
	t.byKey[key] = e
	return Atom{entry: e}
}

// AtomizeDup is like Atomize, but when the blob is newly interned it stores
// a defensive copy of blob rather than aliasing the caller's slice.
func (t *AtomTable) AtomizeDup(blob []byte) Atom {
	key := string(blob)
	if e, ok := t.byKey[key]; ok {
		return Atom{entry: e}
	}
	dup := make([]byte, len(blob))
	copy(dup, blob)
	e := &atomEntry{data: dup}
	t.byKey[key] = e
	return Atom{entry: e}
}

// AtomizeString is a convenience wrapper for AtomizeDup([]byte(s)).
func (t *AtomTable) AtomizeString(s string) Atom {
	return t.AtomizeDup([]byte(s))
}

// Len returns the number of distinct interned blobs.
func (t *AtomTable) Len() int { return len(t.byKey) }
