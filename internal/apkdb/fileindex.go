package apkdb

import "fmt"

// File is keyed by (dir, filename): §3.
type File struct {
	DirInst  *DirInstance
	Name     string
	ACL      ACLHandle
	Checksum Checksum
}

// ChecksumKind identifies the content-digest algorithm stored in a File's
// checksum (§4.4: "first byte encodes length/type").
type ChecksumKind byte

const (
	ChecksumNone ChecksumKind = iota
	ChecksumMD5
	ChecksumSHA1
	ChecksumSHA256
	ChecksumSHA256_160 // SHA-256 truncated to 160 bits (v3 symlinks, §4.6.1)
)

// Checksum is a typed, hex-encodable content digest.
type Checksum struct {
	Kind ChecksumKind
	Sum  []byte
}

func (c Checksum) Empty() bool { return c.Kind == ChecksumNone || len(c.Sum) == 0 }

func (c Checksum) Equal(o Checksum) bool {
	if c.Kind != o.Kind || len(c.Sum) != len(o.Sum) {
		return false
	}
	for i := range c.Sum {
		if c.Sum[i] != o.Sum[i] {
			return false
		}
	}
	return true
}

func (c Checksum) Hex() string { return fmt.Sprintf("%x", c.Sum) }

// key is the (dir, filename) pair used for hashing into FileIndex.
type fileKey struct {
	dir  *Dir
	name string
}

// FileIndex is the hash of (dir, filename) -> File (§4.3).
type FileIndex struct {
	byKey map[fileKey]*File
}

// NewFileIndex constructs an empty index.
func NewFileIndex() *FileIndex {
	return &FileIndex{byKey: make(map[fileKey]*File)}
}

// Query returns the File at (dir, name), or nil if none is indexed (§8).
func (idx *FileIndex) Query(dir *Dir, name string) *File {
	return idx.byKey[fileKey{dir: dir, name: name}]
}

// Insert registers f (keyed by f.DirInst.Dir and f.Name) in the index and
// appends it to its DirInstance's owned-file list.
func (idx *FileIndex) Insert(f *File) {
	idx.byKey[fileKey{dir: f.DirInst.Dir, name: f.Name}] = f
	f.DirInst.addFile(f)
}

// Remove deletes f from the index and from its owning DirInstance's list.
func (idx *FileIndex) Remove(f *File) {
	delete(idx.byKey, fileKey{dir: f.DirInst.Dir, name: f.Name})
	f.DirInst.removeFile(f)
}

// Replace swaps the index entry and owning-list membership from old to
// new in place, used by the Migrator when a committed file supersedes a
// different package's file at the same path (§4.7 step 5: "if ofile !=
// file, unlink ofile ... then insert file").
func (idx *FileIndex) Replace(old, new *File) {
	if old != nil {
		idx.Remove(old)
	}
	idx.Insert(new)
}

// Count returns the number of indexed files.
func (idx *FileIndex) Count() int { return len(idx.byKey) }
