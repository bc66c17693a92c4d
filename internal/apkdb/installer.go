package apkdb

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveEventKind classifies one op-vector event from the (external)
// archive extractor (§4.6 step 4).
type ArchiveEventKind int

const (
	ArchiveEventMeta ArchiveEventKind = iota
	ArchiveEventScript
	ArchiveEventFile
)

// ArchiveMeta carries the v2meta/v3meta fields the extractor parses out of
// the control segment of the package archive.
type ArchiveMeta struct {
	Replaces         []string
	ReplacesPriority uint32
	TriggerPatterns  []string
}

// ArchiveScript is one lifecycle script blob attached during extraction.
type ArchiveScript struct {
	Kind    ScriptKind
	Content []byte
}

// ArchiveFileEntry is one filesystem entry (directory, regular file,
// symlink, or hardlink) from the archive's data segment.
type ArchiveFileEntry struct {
	Path           string
	IsDir          bool
	IsSymlink      bool
	IsHardlink     bool
	HardlinkTarget string // archive path of the target, same package
	SymlinkTarget  string
	ACL            ACLTuple
	Digest         Checksum // archive-provided digest, zero if absent (old v2)
	IsV3           bool
	Content        io.Reader
	Size           int64
}

// ArchiveEvent is one event of the extractor's op-vector stream.
type ArchiveEvent struct {
	Kind   ArchiveEventKind
	Meta   *ArchiveMeta
	Script *ArchiveScript
	File   *ArchiveFileEntry
}

// ScriptRunner executes a package's lifecycle script synchronously
// (§4.10); implemented concretely by scriptrunner.go.
type ScriptRunner interface {
	RunScript(pkg *Package, kind ScriptKind, argv []string) error
}

// ReplacesFileResult is the outcome of consulting the (external)
// pkg_replaces_dir/replaces_file decision for a path already owned by
// another package (§4.6.1, §9 open question: precise semantics live in
// the package-metadata component; here we only consume the decision).
type ReplacesFileResult int

const (
	ReplacesNo ReplacesFileResult = iota
	ReplacesYes
	ReplacesConflict
)

// ReplacesFileFunc decides whether newPkg may silently overwrite a file
// currently owned by oldPkg.
type ReplacesFileFunc func(oldPkg, newPkg *Package) ReplacesFileResult

// StagedFile is a file whose content has been written to a temporary path
// adjacent to its final location, awaiting the Migrator's commit decision
// (§4.6.1 "stage the content ... via fs_extract", §4.7).
type StagedFile struct {
	DirInst  *DirInstance
	File     *File
	TempPath string
	FinalPath string
}

// InstallCtx carries per-transaction state across one package's install
// (§4.6).
type InstallCtx struct {
	Pkg      *Package
	Previous *Package
	Flags    Flags
	Progress func(processed, total int64)
	ScriptArgs []string

	pendingKind    ScriptKind
	hasPending     bool
	installedBytes int64
	staged         []StagedFile
	hardlinkByPath map[string]*File
}

// Installer drives §4.6's algorithm against the in-memory registries and
// the filesystem staging area under RootPath.
type Installer struct {
	Dirs     *DirTree
	Files    *FileIndex
	ACLs     *ACLInterner
	Log      Logger
	RootPath string
	Replaces ReplacesFileFunc
	Runner   ScriptRunner
}

// sanitizeEntryPath rejects absolute paths, "/./"/"/../" traversal
// attempts, and control characters (§4.6.1). Returns the cleaned relative
// path and true if acceptable.
func sanitizeEntryPath(path string) (string, bool) {
	if path == "" || strings.HasPrefix(path, "/") {
		return "", false
	}
	if strings.Contains(path, "/./") || strings.Contains(path, "/../") ||
		strings.HasPrefix(path, "../") || path == ".." || strings.HasSuffix(path, "/..") {
		return "", false
	}
	for _, r := range path {
		if r < 0x20 || r == 0x7f {
			return "", false
		}
	}
	return path, true
}

// Install processes one package's archive event stream, staging regular
// files for the Migrator and running the pending lifecycle script at the
// appropriate transition (§4.6 steps 3-5).
func (in *Installer) Install(ctx *InstallCtx, events []ArchiveEvent) ([]StagedFile, error) {
	if ctx.Pkg.IPkg == nil {
		ctx.Pkg.IPkg = &InstalledPackage{Pkg: ctx.Pkg}
	}
	ctx.hardlinkByPath = make(map[string]*File)

	if ctx.Previous != nil {
		ctx.pendingKind = ScriptPreUpgrade
	} else {
		ctx.pendingKind = ScriptPreInstall
	}
	ctx.hasPending = true

	for _, ev := range events {
		switch ev.Kind {
		case ArchiveEventMeta:
			in.applyMeta(ctx, ev.Meta)
		case ArchiveEventScript:
			in.applyScript(ctx, ev.Script)
		case ArchiveEventFile:
			if err := in.runPendingScript(ctx); err != nil {
				return ctx.staged, err
			}
			if err := in.installEntry(ctx, ev.File); err != nil {
				return ctx.staged, err
			}
		}
	}

	if err := in.runPendingScript(ctx); err != nil {
		return ctx.staged, err
	}
	return ctx.staged, nil
}

func (in *Installer) applyMeta(ctx *InstallCtx, meta *ArchiveMeta) {
	if meta == nil {
		return
	}
	ctx.Pkg.IPkg.ReplacesOverride = meta.Replaces
	ctx.Pkg.IPkg.ReplacesPriority = meta.ReplacesPriority
	ctx.Pkg.IPkg.TriggerPatterns = meta.TriggerPatterns
}

func (in *Installer) applyScript(ctx *InstallCtx, script *ArchiveScript) {
	if script == nil {
		return
	}
	ctx.Pkg.IPkg.Scripts[script.Kind] = script.Content
}

// runPendingScript fires the currently-pending lifecycle script once, the
// first time an archive event transitions past the pre-install stage
// (§4.6 step 5).
func (in *Installer) runPendingScript(ctx *InstallCtx) error {
	if !ctx.hasPending || in.Runner == nil {
		return nil
	}
	ctx.hasPending = false
	content := ctx.Pkg.IPkg.Scripts[ctx.pendingKind]
	if len(content) == 0 {
		return nil
	}
	if err := in.Runner.RunScript(ctx.Pkg, ctx.pendingKind, ctx.ScriptArgs); err != nil {
		ctx.Pkg.IPkg.BrokenScript = true
		if in.Log != nil {
			in.Log.Warn("%s %s script failed: %v", ctx.Pkg.Name.Name, ctx.pendingKind, err)
		}
	}
	return nil
}

func (in *Installer) installEntry(ctx *InstallCtx, entry *ArchiveFileEntry) error {
	path, ok := sanitizeEntryPath(entry.Path)
	if !ok {
		ctx.Pkg.IPkg.BrokenFiles = true
		if in.Log != nil {
			in.Log.Warn("skipping unsafe archive path %q", entry.Path)
		}
		return nil
	}

	if entry.IsDir {
		return in.installDirEntry(ctx, path, entry)
	}
	return in.installFileEntry(ctx, path, entry)
}

func (in *Installer) installDirEntry(ctx *InstallCtx, path string, entry *ArchiveFileEntry) error {
	dir := in.Dirs.DirGet(path)
	di := in.Dirs.GetOrCreateDirInstance(ctx.Pkg, dir)
	di.ACL = in.ACLs.Intern(entry.ACL)

	var dirpermsStale bool
	ApplyDirInstancePermissions(in.ACLs, &dirpermsStale, in.replacesDir, di)

	var prevACL *ACLTuple
	if dir.Owner != nil && dir.Owner != di {
		tuple := in.ACLs.Tuple(dir.Owner.ACL)
		prevACL = &tuple
	}
	fullPath := filepath.Join(in.RootPath, path)
	if _, err := DirPrepare(fullPath, prevACL); err != nil {
		ctx.Pkg.IPkg.BrokenFiles = true
		if in.Log != nil {
			in.Log.Warn("preparing dir %s: %v", path, err)
		}
	}
	return nil
}

// replacesDir adapts ReplacesFileFunc's result to the boolean ownership
// question ApplyDirInstancePermissions needs.
func (in *Installer) replacesDir(old, new *Package) bool {
	if in.Replaces == nil {
		return true
	}
	return in.Replaces(old, new) == ReplacesYes
}

func (in *Installer) installFileEntry(ctx *InstallCtx, path string, entry *ArchiveFileEntry) error {
	idx := strings.LastIndexByte(path, '/')
	bdir, bfile := "", path
	if idx >= 0 {
		bdir, bfile = path[:idx], path[idx+1:]
	}
	dir := in.Dirs.DirGet(bdir)
	di := in.Dirs.GetOrCreateDirInstance(ctx.Pkg, dir)

	var hardlinkSrc *File
	if entry.IsHardlink {
		hardlinkSrc = ctx.hardlinkByPath[entry.HardlinkTarget]
		if hardlinkSrc == nil {
			ctx.Pkg.IPkg.BrokenFiles = true
			if in.Log != nil {
				in.Log.Warn("hardlink target %q not found in package %s", entry.HardlinkTarget, ctx.Pkg.Name.Name)
			}
			return nil
		}
	}

	if old := in.Files.Query(dir, bfile); old != nil {
		ownerPkg := old.DirInst.Pkg
		decision := ReplacesYes
		if in.Replaces != nil {
			decision = in.Replaces(ownerPkg, ctx.Pkg)
		}
		switch decision {
		case ReplacesConflict:
			if ctx.Flags.ForceOverwrite {
				if in.Log != nil {
					in.Log.Warn("overwriting %s owned by %s (force)", path, ownerPkg.Name.Name)
				}
			} else {
				ctx.Pkg.IPkg.BrokenFiles = true
				if in.Log != nil {
					in.Log.Warn("conflict: %s already owned by %s", path, ownerPkg.Name.Name)
				}
				return nil
			}
		case ReplacesNo:
			return nil
		}
	}

	f := &File{DirInst: di, Name: bfile, ACL: in.ACLs.Intern(entry.ACL)}

	tempPath, written, err := in.extractToTemp(filepath.Join(in.RootPath, path), entry)
	if err != nil {
		ctx.Pkg.IPkg.BrokenFiles = true
		return fmt.Errorf("staging %s: %w", path, err)
	}

	switch {
	case entry.IsHardlink:
		f.Checksum = hardlinkSrc.Checksum
	case entry.IsSymlink && entry.IsV3:
		sum := sha256.Sum256([]byte(entry.SymlinkTarget))
		f.Checksum = Checksum{Kind: ChecksumSHA256_160, Sum: sum[:20]}
		ctx.Pkg.IPkg.SHA256_160 = true
	case !entry.Digest.Empty():
		f.Checksum = entry.Digest
	default:
		ctx.Pkg.IPkg.BrokenFiles = true
		if in.Log != nil {
			in.Log.Warn("%s has no digest (old v2 archive)", path)
		}
	}

	ctx.hardlinkByPath[path] = f
	ctx.staged = append(ctx.staged, StagedFile{DirInst: di, File: f, TempPath: tempPath, FinalPath: filepath.Join(in.RootPath, path)})

	ctx.installedBytes += written
	if ctx.Progress != nil {
		ctx.Progress(ctx.installedBytes, ctx.Pkg.InstalledSize)
	}
	return nil
}

// extractToTemp writes entry's content to a temp file adjacent to
// finalPath (§4.6.1 "fs_extract ... writes to a temporary name adjacent
// to the final path"), returning that temp path and the byte count
// written. Hardlinks and directories carry no content and so write
// nothing; symlinks are recorded as a temp file holding just the target
// text, for the Migrator to turn into a real symlink at commit time.
func (in *Installer) extractToTemp(finalPath string, entry *ArchiveFileEntry) (string, int64, error) {
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return "", 0, fmt.Errorf("creating parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".apk-stage-"+filepath.Base(finalPath)+"-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	defer tmp.Close()

	var n int64
	if entry.IsSymlink {
		written, err := tmp.WriteString(entry.SymlinkTarget)
		if err != nil {
			os.Remove(tmp.Name())
			return "", 0, err
		}
		n = int64(written)
	} else if entry.IsHardlink {
		// No independent content; the Migrator links to the target's final path.
	} else if entry.Content != nil {
		n, err = io.Copy(tmp, entry.Content)
		if err != nil {
			os.Remove(tmp.Name())
			return "", 0, err
		}
	}
	return tmp.Name(), n, nil
}
