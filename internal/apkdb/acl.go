package apkdb

import (
	"fmt"
	"hash/fnv"

	"golang.org/x/sys/unix"
)

// ACLTuple is the value type interned by the atom table: mode/uid/gid plus
// an optional xattr content digest. Two Files/DirInstances with the same
// ACLTuple share one handle, so "ACL changed" is a pointer comparison.
type ACLTuple struct {
	Mode       uint16 // 12-bit permission bits
	UID        uint32
	GID        uint32
	XattrDigest string // hex digest, empty if the entry has no xattrs
}

// Key renders the tuple the way it is written in FDB ACL lines
// ("uid:gid:mode[:xattr_csum]").
func (a ACLTuple) Key() string {
	if a.XattrDigest != "" {
		return fmt.Sprintf("%d:%d:%o:%s", a.UID, a.GID, a.Mode, a.XattrDigest)
	}
	return fmt.Sprintf("%d:%d:%o", a.UID, a.GID, a.Mode)
}

// DefaultDirACL is the implicit ACL for a directory entry that never
// appears with an explicit "M:" line (0755, uid 0, gid 0).
var DefaultDirACL = ACLTuple{Mode: 0755, UID: 0, GID: 0}

// DefaultFileACL is the implicit ACL for a file entry that never appears
// with an explicit "a:" line (0644, uid 0, gid 0).
var DefaultFileACL = ACLTuple{Mode: 0644, UID: 0, GID: 0}

// ACLHandle is an interned ACLTuple. Equality is pointer equality via the
// underlying Atom.
type ACLHandle struct {
	atom Atom
}

// ACLInterner interns ACLTuples onto an AtomTable by their canonical key.
type ACLInterner struct {
	atoms  *AtomTable
	byAtom map[Atom]ACLTuple
}

// NewACLInterner constructs an interner backed by the given atom table.
func NewACLInterner(atoms *AtomTable) *ACLInterner {
	return &ACLInterner{atoms: atoms, byAtom: make(map[Atom]ACLTuple)}
}

// Intern returns the handle for tuple, creating one if not already present.
func (in *ACLInterner) Intern(tuple ACLTuple) ACLHandle {
	a := in.atoms.AtomizeString(tuple.Key())
	if _, ok := in.byAtom[a]; !ok {
		in.byAtom[a] = tuple
	}
	return ACLHandle{atom: a}
}

// Tuple returns the ACLTuple behind a handle.
func (in *ACLInterner) Tuple(h ACLHandle) ACLTuple {
	return in.byAtom[h.atom]
}

// Equal reports whether two handles refer to the identical interned ACL.
func (h ACLHandle) Equal(o ACLHandle) bool { return h.atom.Equal(o.atom) }

// Valid reports whether h was ever assigned.
func (h ACLHandle) Valid() bool { return h.atom.Valid() }

// aclCompareResult is the outcome of comparing an expected ACL against the
// filesystem, used by dir_prepare (§4.3).
type aclCompareResult int

const (
	aclENOENT aclCompareResult = iota
	aclMatches
	aclModified
)

// compareDirACL stats path and compares its owner/mode/xattr digest against
// expected. Returns aclENOENT if the path does not exist.
func compareDirACL(path string, expected ACLTuple) (aclCompareResult, error) {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		if err == unix.ENOENT {
			return aclENOENT, nil
		}
		return aclModified, fmt.Errorf("stat %s: %w", path, err)
	}

	if st.Uid != expected.UID || st.Gid != expected.GID || uint16(st.Mode&0o7777) != expected.Mode {
		return aclModified, nil
	}

	digest, err := xattrDigest(path)
	if err != nil {
		// Filesystems without xattr support are not a format mismatch.
		return aclMatches, nil
	}
	if digest != expected.XattrDigest {
		return aclModified, nil
	}
	return aclMatches, nil
}

// xattrDigest computes a stable digest over a path's extended attributes,
// for comparison against the FDB's stored "M:"/"a:" xattr_csum field.
// Returns "" if the path carries no user/security/system xattrs.
func xattrDigest(path string) (string, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil || size == 0 {
		return "", err
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return "", err
	}
	names := splitNulTerminated(buf[:n])
	if len(names) == 0 {
		return "", nil
	}

	h := fnv.New64a()
	for _, name := range names {
		vsize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			continue
		}
		val := make([]byte, vsize)
		vn, err := unix.Lgetxattr(path, name, val)
		if err != nil {
			continue
		}
		h.Write([]byte(name))
		h.Write(val[:vn])
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func splitNulTerminated(buf []byte) []string {
	var out []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				out = append(out, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// applyDirACL creates or chowns/chmods the directory at path to match acl.
// Used by dir_prepare (§4.3) after an ENOENT or MODIFIED comparison.
func applyDirACL(path string, acl ACLTuple) error {
	if err := unix.Mkdir(path, uint32(acl.Mode)); err != nil && err != unix.EEXIST {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	if err := unix.Chmod(path, uint32(acl.Mode)); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := unix.Chown(path, int(acl.UID), int(acl.GID)); err != nil {
		return fmt.Errorf("chown %s: %w", path, err)
	}
	return nil
}
