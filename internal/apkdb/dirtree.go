package apkdb

import (
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// ProtectMode is a directory's protected-path policy (§3/§6.1).
type ProtectMode int

const (
	ProtectNone ProtectMode = iota
	ProtectChanged
	ProtectIgnore
	ProtectSymlinksOnly
	ProtectAll
)

// protectPattern is one pending protected-path pattern fragment inherited
// from a parent directory, awaiting a further path segment match (§4.3).
type protectPattern struct {
	mode ProtectMode
	// remaining path segments, joined with "/"; empty means this dir itself
	// is the match and sets its own protect_mode instead of being carried further.
	suffix string
}

// Dir is a reference-counted directory-tree node keyed by canonical path
// (§3). Refcount = number of owning DirInstances, plus 1 while a lookup
// holds a transient reference.
type Dir struct {
	Path   string
	Parent *Dir
	Refs   int

	Owner *DirInstance // selected by replacement rules; nil if unowned

	ProtectMode       ProtectMode
	pendingProtect     []protectPattern

	Created           bool
	Modified          bool
	PermissionsOK     bool
	PermissionsStale  bool
	HasProtectedChildren bool

	instances []*DirInstance // all owning DirInstances, in creation order
}

// DirInstance is one package's claim on a directory (§3 diri).
type DirInstance struct {
	Pkg *Package
	Dir *Dir
	ACL ACLHandle

	files []*File // intrusive-list substitute: insertion-ordered slice
}

// Files returns the files owned by this DirInstance, in insertion order.
func (di *DirInstance) Files() []*File { return di.files }

// addFile appends f to di's owned-file list in O(1), preserving FDB write order.
func (di *DirInstance) addFile(f *File) {
	di.files = append(di.files, f)
}

// removeFile deletes f from di's owned-file list.
func (di *DirInstance) removeFile(f *File) {
	for i, x := range di.files {
		if x == f {
			di.files = append(di.files[:i], di.files[i+1:]...)
			return
		}
	}
}

// DirTree is the path -> *Dir hash table (§4.3).
type DirTree struct {
	byPath map[string]*Dir
	acls   *ACLInterner
	rootFD int // -1 if unset

	// defaultProtectPatterns seeds newly created root-level dirs; real apk
	// loads these from /etc/apk/protected_paths.d (§6.1).
	defaultProtectPatterns []protectPattern
}

// NewDirTree constructs an empty tree backed by the given ACL interner.
func NewDirTree(acls *ACLInterner) *DirTree {
	return &DirTree{byPath: make(map[string]*Dir), acls: acls, rootFD: -1}
}

// canonicalDirPath strips a trailing slash and cleans the path, matching
// dir_get's canonicalization (§4.3). The root is represented as "".
func canonicalDirPath(path string) string {
	path = strings.TrimRight(path, "/")
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

func parentOf(path string) string {
	if path == "" {
		return ""
	}
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func basenameOf(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// DirGet canonicalizes path, looks it up, and constructs a new Dir on miss
// (§4.3). A newly created dir inherits its parent chain, protection mode,
// and pending protected-path patterns, and starts with refcount 1.
func (t *DirTree) DirGet(path string) *Dir {
	canon := canonicalDirPath(path)
	if d, ok := t.byPath[canon]; ok {
		d.Refs++
		return d
	}

	var parent *Dir
	if canon != "" {
		parent = t.DirGet(parentOf(canon))
	}

	d := &Dir{
		Path:   canon,
		Parent: parent,
		Refs:   1,
	}
	t.applyInheritedProtection(d, parent)
	t.byPath[canon] = d
	return d
}

// Lookup returns the Dir at path without creating or refcounting it.
func (t *DirTree) Lookup(path string) (*Dir, bool) {
	d, ok := t.byPath[canonicalDirPath(path)]
	return d, ok
}

// applyInheritedProtection matches protected-path patterns segment-by-
// segment against d's basename, per §4.3:
//
//	For a multi-segment pattern, if the first segment matches this dir's
//	basename, a new entry with the remaining suffix is appended to this
//	dir's list; single-segment patterns set this dir's own protect_mode.
func (t *DirTree) applyInheritedProtection(d *Dir, parent *Dir) {
	var candidates []protectPattern
	if parent != nil && parent.Path != "" {
		candidates = parent.pendingProtect
		d.ProtectMode = parent.ProtectMode
	} else {
		candidates = t.defaultProtectPatterns
	}

	basename := basenameOf(d.Path)
	for _, p := range candidates {
		head, rest, hasMore := splitFirstSegment(p.suffix)
		if head != basename && head != "*" {
			continue
		}
		if hasMore {
			d.pendingProtect = append(d.pendingProtect, protectPattern{mode: p.mode, suffix: rest})
		} else {
			d.ProtectMode = p.mode
		}
	}
}

func splitFirstSegment(path string) (head, rest string, hasMore bool) {
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, "", false
	}
	return path[:idx], path[idx+1:], true
}

// SetProtectPatterns seeds the root-level pending protected-path patterns,
// e.g. from /etc/apk/protected_paths.d (§6.1): "+etc", "@etc/init.d", "!etc/apk".
func (t *DirTree) SetProtectPatterns(patterns []string) error {
	parsed, err := parseProtectPatterns(patterns)
	if err != nil {
		return err
	}
	t.defaultProtectPatterns = parsed
	return nil
}

func parseProtectPatterns(lines []string) ([]protectPattern, error) {
	var out []protectPattern
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		mode, path, err := parseProtectLine(line)
		if err != nil {
			return nil, err
		}
		out = append(out, protectPattern{mode: mode, suffix: strings.TrimLeft(path, "/")})
	}
	return out, nil
}

func parseProtectLine(line string) (ProtectMode, string, error) {
	if len(line) == 0 {
		return ProtectChanged, "", nil
	}
	switch line[0] {
	case '-':
		return ProtectIgnore, line[1:], nil
	case '+':
		return ProtectChanged, line[1:], nil
	case '@':
		return ProtectSymlinksOnly, line[1:], nil
	case '!':
		return ProtectAll, line[1:], nil
	default:
		return ProtectChanged, line, nil
	}
}

// DirUnref decrements d's refcount; at zero the dir is cleared and, if mode
// is DirUnrefRemove and not in simulate mode, an rmdir is attempted. The
// parent is then unreffed transitively (§4.3).
type DirUnrefMode int

const (
	DirUnrefKeep DirUnrefMode = iota
	DirUnrefRemove
)

func (t *DirTree) DirUnref(d *Dir, mode DirUnrefMode, simulate bool) {
	for d != nil {
		d.Refs--
		if d.Refs > 0 {
			return
		}

		d.Created = false
		d.PermissionsOK = false
		d.PermissionsStale = false

		if mode == DirUnrefRemove && !simulate && d.Path != "" {
			_ = unix.Rmdir(rootedPath(t.rootFD, d.Path))
		}

		delete(t.byPath, d.Path)
		parent := d.Parent
		d = parent
	}
}

// SetRootFD records an open root directory fd on the tree. rootedPath does
// not consult it, so DirUnref's rmdir still resolves Dir paths against the
// process's current directory.
func (t *DirTree) SetRootFD(fd int) { t.rootFD = fd }

// rootedPath returns relPath unchanged: rootFD is not used, and the path
// resolves against the process's current directory.
func rootedPath(rootFD int, relPath string) string {
	return relPath
}

// DirPrepareResult is the outcome of dir_prepare's filesystem consultation (§4.3).
type DirPrepareResult int

const (
	DirPrepareCreated DirPrepareResult = iota
	DirPrepareOK
	DirPrepareModified
)

// DirPrepare ensures the on-disk directory at fullPath exists with the
// expected ACL (§4.3). If expected is nil (no ACL expectation), the
// directory is created unconditionally with DefaultDirACL.
func DirPrepare(fullPath string, expected *ACLTuple) (DirPrepareResult, error) {
	if expected == nil {
		if err := applyDirACL(fullPath, DefaultDirACL); err != nil {
			return DirPrepareCreated, err
		}
		return DirPrepareCreated, nil
	}

	cmp, err := compareDirACL(fullPath, *expected)
	if err != nil {
		return DirPrepareModified, err
	}
	switch cmp {
	case aclENOENT:
		if err := applyDirACL(fullPath, *expected); err != nil {
			return DirPrepareCreated, err
		}
		return DirPrepareCreated, nil
	case aclMatches:
		return DirPrepareOK, nil
	default:
		if err := applyDirACL(fullPath, *expected); err != nil {
			return DirPrepareModified, err
		}
		return DirPrepareModified, nil
	}
}

// GetOrCreateDirInstance returns pkg's DirInstance for dir, creating one
// (and registering it on both dir and pkg.IPkg) if none exists yet.
func (t *DirTree) GetOrCreateDirInstance(pkg *Package, dir *Dir) *DirInstance {
	for _, di := range dir.instances {
		if di.Pkg == pkg {
			return di
		}
	}
	di := &DirInstance{Pkg: pkg, Dir: dir}
	dir.instances = append(dir.instances, di)
	if pkg.IPkg != nil {
		pkg.IPkg.DirInstances = append(pkg.IPkg.DirInstances, di)
	}
	return di
}

// Instances returns every DirInstance currently claiming dir.
func (d *Dir) Instances() []*DirInstance { return d.instances }

// DetachDirInstance removes di from its Dir's instance list (called by
// Purger once di's files have all been freed).
func (t *DirTree) DetachDirInstance(di *DirInstance) {
	dir := di.Dir
	for i, x := range dir.instances {
		if x == di {
			dir.instances = append(dir.instances[:i], dir.instances[i+1:]...)
			break
		}
	}
	if dir.Owner == di {
		dir.Owner = nil
		if len(dir.instances) > 0 {
			dir.Owner = dir.instances[0]
		}
	}
}

// ApplyDirInstancePermissions selects the winning owner for dir, per §4.3:
// if the current owner and di disagree and the new package does not
// "replace" the old one, no change is made. Otherwise ownership (and,
// if the ACL differs, permissions_stale / the caller's dirperms_stale)
// is updated.
func ApplyDirInstancePermissions(interner *ACLInterner, dirpermsStale *bool, replaces func(old, new *Package) bool, di *DirInstance) {
	dir := di.Dir
	if dir.Owner == nil {
		dir.Owner = di
		dir.PermissionsStale = true
		*dirpermsStale = true
		return
	}
	if dir.Owner == di {
		return
	}
	if dir.Owner.ACL.Equal(di.ACL) {
		// Same ACL regardless of owner identity: nothing to resweep.
		if !replaces(dir.Owner.Pkg, di.Pkg) {
			return
		}
		dir.Owner = di
		return
	}
	if !replaces(dir.Owner.Pkg, di.Pkg) {
		return
	}
	dir.Owner = di
	dir.PermissionsStale = true
	*dirpermsStale = true
}
