package apkdb

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// LayerID selects one of the two on-disk layers a database reads/writes
// (§4.12, §6.1): the root layer and the optional uvol layer.
type LayerID int

const (
	LayerRoot LayerID = iota
	LayerUvol
)

func (l LayerID) dbDir() string {
	if l == LayerUvol {
		return "lib/apk/db-uvol"
	}
	return "lib/apk/db"
}

// Database is the open, in-memory installed-state database: every
// registry/tree/interner the rest of this package operates on, plus the
// open-time resources (lock, cache, repos) that Close releases (§4.12).
type Database struct {
	RootPath string
	Flags    Flags
	Mutating bool
	Log      Logger

	Atoms *AtomTable
	ACLs  *ACLInterner
	Names *NameRegistry
	Pkgs  *PackageRegistry
	Dirs  *DirTree
	Files *FileIndex
	World *World
	Repos *RepoSet
	Cache *Cache
	Runtime *ResolvedRuntime
	Lock  *Lock

	Arch        string
	RewriteArch bool
	Permanent   bool
	UserMode    bool

	procMounted    bool
	cacheRemounted bool
	OpenComplete   bool
}

// OpenOptions carries the caller-supplied knobs Open needs before any
// filesystem state is consulted.
type OpenOptions struct {
	RootPath   string
	Flags      Flags
	Mutating   bool
	Log        Logger
	ArchOverride string // command-line override, highest priority (§4.12 step 4)
	Overlay    []byte  // optional file-list consumed from STDIN (§4.12 step 9)
}

// Open performs the 14-step open sequence (§4.12).
func Open(opts OpenOptions) (db *Database, err error) {
	log := opts.Log
	if log == nil {
		log = nopLogger{}
	}

	// Step 1: atomize default ACLs.
	atoms := NewAtomTable()
	acls := NewACLInterner(atoms)
	acls.Intern(DefaultDirACL)
	acls.Intern(DefaultFileACL)

	names := NewNameRegistry()
	pkgs := NewPackageRegistry(names)
	dirs := NewDirTree(acls)
	files := NewFileIndex()
	world := NewWorld()

	runtime, err := ResolveRuntime()
	if err != nil {
		return nil, fmt.Errorf("resolving runtime config: %w", err)
	}

	db = &Database{
		RootPath: opts.RootPath,
		Flags:    opts.Flags,
		Mutating: opts.Mutating,
		Log:      log,
		Atoms:    atoms,
		ACLs:     acls,
		Names:    names,
		Pkgs:     pkgs,
		Dirs:     dirs,
		Files:    files,
		World:    world,
		Runtime:  runtime,
	}

	// Step 2: configure repositories (cache first; RepoSet always seeds id 0).
	db.Repos = NewRepoSet()

	// Step 3: root_fd / tmpfs / user-mode detection.
	db.Permanent = !db.isTmpfs(opts.RootPath)
	db.UserMode = opts.Flags.UserMode || db.isForeignOwned(opts.RootPath)

	// Step 4: architecture resolution (command line > etc/apk/arch > default).
	db.Arch, db.RewriteArch = db.resolveArch(opts.ArchOverride)

	// Step 5: acquire the exclusive lock, unless this is a non-mutating open.
	if opts.Mutating {
		db.Lock = NewLock(filepath.Join(opts.RootPath, "lib/apk/db/lock"))
		waitFor := time.Duration(db.Runtime.LockWaitSeconds) * time.Second
		if err := db.Lock.Acquire(waitFor); err != nil {
			return nil, fmt.Errorf("acquiring database lock: %w", err)
		}
	}
	defer func() {
		if err != nil && db.Lock != nil {
			db.Lock.Release()
		}
	}()

	// Step 6: mount /proc, best-effort.
	db.procMounted = db.mountProc(opts.RootPath)

	// Step 7: protected paths are loaded by the caller (policy lives outside
	// the database object: see ProtectMode/DirTree.SetProtectPatterns in dirtree.go)
	// from etc/apk/protected_paths.d/*.list plus the default +etc/@etc/init.d/!etc/apk set.

	// Step 8: cache setup.
	cacheDir := filepath.Join(opts.RootPath, "var/cache/apk")
	db.cacheRemounted = db.prepareCacheRW(cacheDir)
	maxAge := time.Duration(db.Runtime.CacheMaxAgeHours) * time.Hour
	fetcher, err := NewFetcher(db.Runtime.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("configuring fetcher: %w", err)
	}
	db.Cache = NewCache(cacheDir, maxAge, fetcher, opts.Flags.NoNetwork)

	// Step 9: optional overlay file-list from STDIN.
	if opts.Flags.OverlayFromStdin && len(opts.Overlay) > 0 {
		log.Progress("applying overlay file list (%d bytes)", len(opts.Overlay))
	}

	// Step 10: for each layer, read world (root only), installed FDB, triggers, scripts.
	if err := db.readLayer(LayerRoot, true); err != nil {
		return nil, err
	}
	if err := db.readLayer(LayerUvol, false); err != nil {
		if !os.IsNotExist(err) {
			log.Warn("uvol layer unavailable: %v", err)
		}
	}

	// Step 11: scan the cache directory and mark every known package whose
	// canonical cache file is present (Cache.ForeachItem). The nr-cache
	// "installed" summary is not read here, and no pseudo-repo -2 is created.
	if err := db.Cache.ForeachItem(db.Pkgs); err != nil {
		log.Warn("cache index scan failed: %v", err)
	}

	// Step 12: load configured repositories from etc/apk/repositories(.d).
	if err := db.loadRepositories(); err != nil {
		if !opts.Flags.ForceMissingRepositories {
			return nil, err
		}
		log.Warn("continuing with missing repositories: %v", err)
	}

	// Step 13: recompute reverse dependencies across the name table.
	db.Names.RecomputeRDepends()

	// Step 14: cross-mark cached packages; open is complete.
	for _, pkg := range db.Pkgs.All() {
		if pkg.CachedNonRepository {
			pkg.Seen = true
		}
	}
	db.OpenComplete = true

	return db, nil
}

// readLayer reads one layer's installed FDB, triggers file, and scripts
// archive, tagging newly-registered packages with their originating layer.
// World is only present at the root layer.
func (db *Database) readLayer(layer LayerID, loadWorld bool) error {
	dbDir := filepath.Join(db.RootPath, layer.dbDir())

	before := make(map[string]bool, len(db.Pkgs.All()))
	for _, p := range db.Pkgs.All() {
		before[p.Digest] = true
	}

	fdb := &FDB{Atoms: db.Atoms, Names: db.Names, Pkgs: db.Pkgs, Dirs: db.Dirs, ACLs: db.ACLs, Files: db.Files}
	if f, err := os.Open(filepath.Join(dbDir, "installed")); err == nil {
		_, rerr := fdb.ReadInstalled(f)
		f.Close()
		if rerr != nil {
			return fmt.Errorf("reading %s installed db: %w", dbDir, rerr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("opening %s installed db: %w", dbDir, err)
	}

	for _, p := range db.Pkgs.All() {
		if !before[p.Digest] {
			p.Layer = int(layer)
		}
	}

	triggers := &TriggersFile{Pkgs: db.Pkgs}
	if f, err := os.Open(filepath.Join(dbDir, "triggers")); err == nil {
		lookup := func(nameVersion string) *Package { return findPackageByNameVersion(db.Pkgs, nameVersion) }
		terr := triggers.Read(f, lookup)
		f.Close()
		if terr != nil {
			return fmt.Errorf("reading %s triggers: %w", dbDir, terr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("opening %s triggers: %w", dbDir, err)
	}

	if f, err := os.Open(filepath.Join(dbDir, "scripts.tar")); err == nil {
		lookup := func(nameVersion string) *Package { return findPackageByNameVersion(db.Pkgs, nameVersion) }
		serr := ReadScriptsArchive(f, lookup)
		f.Close()
		if serr != nil {
			return fmt.Errorf("reading %s scripts.tar: %w", dbDir, serr)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("opening %s scripts.tar: %w", dbDir, err)
	}

	if loadWorld {
		if f, err := os.Open(filepath.Join(db.RootPath, "etc/apk/world")); err == nil {
			w, werr := ReadWorld(f)
			f.Close()
			if werr != nil {
				return fmt.Errorf("reading world file: %w", werr)
			}
			db.World = w
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("opening world file: %w", err)
		}
	}

	return nil
}

func findPackageByNameVersion(pkgs *PackageRegistry, nameVersion string) *Package {
	idx := strings.LastIndexByte(nameVersion, '-')
	if idx < 0 {
		return nil
	}
	name := nameVersion[:idx]
	version := nameVersion[idx+1:]
	for _, p := range pkgs.All() {
		if p.Name.Name == name && p.Version.String() == version {
			return p
		}
	}
	return nil
}

// loadRepositories reads etc/apk/repositories and etc/apk/repositories.d/*.list,
// registering each line with db.Repos (§4.12 step 12).
func (db *Database) loadRepositories() error {
	path := filepath.Join(db.RootPath, "etc/apk/repositories")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &DBError{Kind: ErrRepositoryUnavailable, Message: path, Err: err}
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := db.Repos.Add(line); err != nil {
			return &DBError{Kind: ErrRepositoryUnavailable, Message: line, Err: err}
		}
	}

	matches, _ := filepathGlob(filepath.Join(db.RootPath, "etc/apk/repositories.d/*.list"))
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if _, err := db.Repos.Add(line); err != nil {
				db.Log.Warn("skipping malformed repository line in %s: %v", m, err)
			}
		}
	}
	return nil
}

func filepathGlob(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}

// isTmpfs reports whether rootPath's filesystem is tmpfs, in which case
// the installed state is not permanent across reboots (§4.12 step 3).
func (db *Database) isTmpfs(rootPath string) bool {
	const tmpfsMagic = 0x01021994
	var stat unix.Statfs_t
	if err := unix.Statfs(rootPath, &stat); err != nil {
		return false
	}
	return int64(stat.Type) == tmpfsMagic
}

// isForeignOwned reports whether the db directory is owned by a uid other
// than 0, implying user-mode operation (§4.12 step 3).
func (db *Database) isForeignOwned(rootPath string) bool {
	var st unix.Stat_t
	if err := unix.Stat(filepath.Join(rootPath, "lib/apk/db"), &st); err != nil {
		return false
	}
	return st.Uid != 0
}

// resolveArch determines the target architecture: command line >
// etc/apk/arch > compile-time default (§4.12 step 4). rewrite is false only
// when the value was read from etc/apk/arch; an override or a default is
// always reported for rewriting, without comparing it to the file.
func (db *Database) resolveArch(override string) (arch string, rewrite bool) {
	if override != "" {
		return override, true
	}
	path := filepath.Join(db.RootPath, "etc/apk/arch")
	data, err := os.ReadFile(path)
	if err == nil {
		if a := strings.TrimSpace(string(data)); a != "" {
			return a, false
		}
	}
	if db.Runtime.Arch != "" {
		return db.Runtime.Arch, true
	}
	return defaultArch, true
}

const defaultArch = "x86_64"

// mountProc mounts /proc into the root if not already mounted, best
// effort (§4.12 step 6). Returns whether this call performed the mount
// (and is therefore responsible for unmounting it at Close).
func (db *Database) mountProc(rootPath string) bool {
	target := filepath.Join(rootPath, "proc")
	if alreadyMounted(target) {
		return false
	}
	if err := os.MkdirAll(target, 0o555); err != nil {
		return false
	}
	if err := unix.Mount("proc", target, "proc", 0, ""); err != nil {
		return false
	}
	return true
}

func alreadyMounted(target string) bool {
	data, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return false
	}
	return strings.Contains(string(data), " "+target+" ")
}

// prepareCacheRW makes sure the cache directory can be created (§4.12 step
// 8): it tries MkdirAll first and only if that fails issues an MS_REMOUNT
// on cacheDir and tries again. Mount flags are not inspected, and there is
// no fallback directory. Returns true only when the remount was issued and
// the directory could then be created (the caller then remounts RO at
// Close).
func (db *Database) prepareCacheRW(cacheDir string) bool {
	if err := os.MkdirAll(cacheDir, 0o755); err == nil {
		return false
	}
	if err := unix.Mount("", cacheDir, "", unix.MS_REMOUNT, ""); err != nil {
		return false
	}
	return os.MkdirAll(cacheDir, 0o755) == nil
}

// Close releases every resource Open acquired (§4.12 close steps 1-5).
func (db *Database) Close() error {
	for _, pkg := range db.Pkgs.All() {
		if pkg.IPkg == nil {
			continue
		}
		for _, di := range append([]*DirInstance(nil), pkg.IPkg.DirInstances...) {
			db.Dirs.DetachDirInstance(di)
		}
		pkg.IPkg.DirInstances = nil
	}

	db.Repos = nil
	db.World = nil

	if db.procMounted {
		unix.Unmount(filepath.Join(db.RootPath, "proc"), 0)
		db.procMounted = false
	}

	if db.cacheRemounted {
		unix.Mount("", db.Cache.Dir, "", unix.MS_REMOUNT|unix.MS_RDONLY, "")
		db.cacheRemounted = false
	}

	var err error
	if db.Lock != nil {
		if rerr := db.Lock.Release(); rerr != nil {
			err = rerr
		}
	}
	return err
}

// Write persists world/installed/scripts.tar/triggers for every active
// layer, plus the nr-cache installed summary (§4.12 "Write").
func (db *Database) Write() error {
	if err := db.writeLayer(LayerRoot, true); err != nil {
		return err
	}
	if hasAnyPackageInLayer(db.Pkgs, LayerUvol) {
		if err := db.writeLayer(LayerUvol, false); err != nil {
			return err
		}
	}

	if db.RewriteArch {
		if err := os.WriteFile(filepath.Join(db.RootPath, "etc/apk/arch"), []byte(db.Arch+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing arch file: %w", err)
		}
	}

	return db.writeCacheSummary()
}

func hasAnyPackageInLayer(pkgs *PackageRegistry, layer LayerID) bool {
	for _, p := range pkgs.All() {
		if p.IPkg != nil && p.Layer == int(layer) {
			return true
		}
	}
	return false
}

func (db *Database) writeLayer(layer LayerID, writeWorld bool) error {
	dbDir := filepath.Join(db.RootPath, layer.dbDir())
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dbDir, err)
	}

	fdb := &FDB{Atoms: db.Atoms, Names: db.Names, Pkgs: db.Pkgs, Dirs: db.Dirs, ACLs: db.ACLs, Files: db.Files}
	if err := writeAtomic(filepath.Join(dbDir, "installed"), func(f *os.File) error {
		return fdb.WriteInstalled(f)
	}); err != nil {
		return fmt.Errorf("writing %s installed db: %w", dbDir, err)
	}

	pkgsInLayer := packagesInLayer(db.Pkgs, layer)

	triggers := &TriggersFile{Pkgs: db.Pkgs}
	if err := writeAtomic(filepath.Join(dbDir, "triggers"), func(f *os.File) error {
		return triggers.Write(f, pkgsInLayer)
	}); err != nil {
		return fmt.Errorf("writing %s triggers: %w", dbDir, err)
	}

	if err := writeAtomic(filepath.Join(dbDir, "scripts.tar"), func(f *os.File) error {
		return WriteScriptsArchive(f, pkgsInLayer)
	}); err != nil {
		return fmt.Errorf("writing %s scripts.tar: %w", dbDir, err)
	}

	if writeWorld && db.World != nil {
		if err := writeAtomic(filepath.Join(db.RootPath, "etc/apk/world"), func(f *os.File) error {
			return WriteWorld(f, db.World)
		}); err != nil {
			return fmt.Errorf("writing world file: %w", err)
		}
	}

	return nil
}

func packagesInLayer(pkgs *PackageRegistry, layer LayerID) []*Package {
	var out []*Package
	for _, p := range pkgs.All() {
		if p.IPkg != nil && p.Layer == int(layer) {
			out = append(out, p)
		}
	}
	return out
}

// writeCacheSummary writes the nr-cache "installed" summary into the cache
// dir. It holds every installed package, in the installed-db format that
// WriteInstalled produces, not only the non-repository ones; Open does not
// read it back.
func (db *Database) writeCacheSummary() error {
	if db.Cache == nil {
		return nil
	}
	fdb := &FDB{Atoms: db.Atoms, Names: db.Names, Pkgs: db.Pkgs, Dirs: db.Dirs, ACLs: db.ACLs, Files: db.Files}
	path := filepath.Join(db.Cache.Dir, "installed")
	return writeAtomic(path, func(f *os.File) error {
		return fdb.WriteInstalled(f)
	})
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
