package apkdb

// Package is identified by its content digest (primary key, §3).
type Package struct {
	Digest string // hex content digest, primary key
	Name   *Name
	Version   Atom
	Arch      Atom
	License   Atom
	Origin    Atom
	Description string

	Depends    []string
	Provides   []string
	InstallIf  []string
	Replaces   []string

	BuildTime     int64
	InstalledSize int64
	Repos         uint32 // bitmask of source repositories
	Layer         int
	Filename      string // set for direct-file packages

	CachedNonRepository bool
	Seen                bool
	StateInt            int

	IPkg *InstalledPackage // non-nil iff installed
}

// InstalledPackage is the per-installed-package state attached to a Package
// once it is unpacked onto the filesystem (§3 ipkg).
type InstalledPackage struct {
	Pkg *Package

	DirInstances []*DirInstance // owned, in FDB/insertion order

	Scripts         [numScriptKinds][]byte // indexed by ScriptKind
	TriggerPatterns []string

	ReplacesOverride []string
	ReplacesPriority uint32
	RepoTag          int

	BrokenFiles  bool
	BrokenScript bool
	BrokenXattr  bool
	SHA256_160   bool
	V3           bool
	RunAllTriggers bool

	PendingTriggers []string // dir paths queued by fire_triggers; firstAppend prepends a "" placeholder
	firingListMember bool
}

// ScriptKind indexes the seven lifecycle script slots (§4.4).
type ScriptKind int

const (
	ScriptPreInstall ScriptKind = iota
	ScriptPostInstall
	ScriptPreDeinstall
	ScriptPostDeinstall
	ScriptPreUpgrade
	ScriptPostUpgrade
	ScriptTrigger
	numScriptKinds
)

var scriptKindNames = [numScriptKinds]string{
	"pre-install", "post-install", "pre-deinstall", "post-deinstall",
	"pre-upgrade", "post-upgrade", "trigger",
}

func (k ScriptKind) String() string {
	if k < 0 || int(k) >= len(scriptKindNames) {
		return "unknown"
	}
	return scriptKindNames[k]
}

// ParseScriptKind maps an archive entry action suffix back to a ScriptKind.
func ParseScriptKind(action string) (ScriptKind, bool) {
	for i, n := range scriptKindNames {
		if n == action {
			return ScriptKind(i), true
		}
	}
	return 0, false
}

// PackageRegistry is the hash table of Packages keyed by content digest (§4.2).
type PackageRegistry struct {
	names    *NameRegistry
	byDigest map[string]*Package
}

// NewPackageRegistry constructs an empty registry backed by the given name registry.
func NewPackageRegistry(names *NameRegistry) *PackageRegistry {
	return &PackageRegistry{names: names, byDigest: make(map[string]*Package)}
}

// Get looks up a package by digest without creating one.
func (r *PackageRegistry) Get(digest string) (*Package, bool) {
	p, ok := r.byDigest[digest]
	return p, ok
}

// All returns every registered package.
func (r *PackageRegistry) All() []*Package {
	out := make([]*Package, 0, len(r.byDigest))
	for _, p := range r.byDigest {
		out = append(out, p)
	}
	return out
}

// PkgAdd inserts pkg into the registry, canonicalizing it per §4.2:
//   - default license is the "null atom" if unset
//   - CachedNonRepository is set when Filename is set
//   - provider records are inserted for the package's own name and every
//     entry in Provides
//
// If a package with the same digest already exists, their metadata is
// merged per §3 (union of Repos, first non-empty Filename/IPkg wins) and
// the existing *Package is returned; otherwise pkg itself is registered
// and returned.
func (r *PackageRegistry) PkgAdd(atoms *AtomTable, pkg *Package) *Package {
	if existing, ok := r.byDigest[pkg.Digest]; ok {
		mergePackageMetadata(existing, pkg)
		return existing
	}

	if !pkg.License.Valid() {
		pkg.License = atoms.AtomizeString("")
	}
	if pkg.Filename != "" {
		pkg.CachedNonRepository = true
	}

	r.byDigest[pkg.Digest] = pkg

	r.names.AddProvider(pkg.Name.Name, Provider{Pkg: pkg, Version: pkg.Version})
	for _, provides := range pkg.Provides {
		name, version := splitProvides(atoms, provides)
		r.names.AddProvider(name, Provider{Pkg: pkg, Version: version})
	}

	return pkg
}

// mergePackageMetadata merges src into dst per §3's merge rule.
func mergePackageMetadata(dst, src *Package) {
	dst.Repos |= src.Repos
	if dst.Filename == "" {
		dst.Filename = src.Filename
	}
	if dst.IPkg == nil {
		dst.IPkg = src.IPkg
	}
	if src.CachedNonRepository {
		dst.CachedNonRepository = true
	}
}

// splitProvides parses a "provides" entry of the form "name" or "name=version"
// into a name string and a version Atom interned in atoms (the zero Atom
// when the entry carries no version).
func splitProvides(atoms *AtomTable, entry string) (string, Atom) {
	for i := 0; i < len(entry); i++ {
		if entry[i] == '=' {
			return entry[:i], atoms.AtomizeString(entry[i+1:])
		}
	}
	return entry, Atom{}
}

// Uninstall detaches and destroys pkg's installed-package state (§3 ipkg
// lifecycle: "destroyed via uninstall or DB close"). The Package record
// itself, and its provider entries, remain registered; the caller is
// expected to have already purged its footprint via Purger.
func (r *PackageRegistry) Uninstall(pkg *Package) {
	pkg.IPkg = nil
}
