package apkdb

import "os"

// PurgeFileAction is the purger's decision for one owned file (§4.8).
type PurgeFileAction int

const (
	PurgeDelete PurgeFileAction = iota
	PurgeCancel
)

// Purger reverses Install/Migrate: it frees a package's filesystem
// footprint, dir by dir, file by file (§4.8).
type Purger struct {
	Dirs  *DirTree
	Files *FileIndex
	Audit Auditor
	Log   Logger
}

// PurgeResult summarizes one Purge call for callers (tests, CLI reporting).
type PurgeResult struct {
	FilesDeleted int
	FilesSkipped int
	DirsModified []*Dir
}

// Purge removes pkg's footprint. isInstalled distinguishes a real
// uninstall (committed files get PurgeDelete) from cancellation of a
// failed mid-install (staged-but-uncommitted files get PurgeCancel, §5
// "Cancellation").
func (p *Purger) Purge(pkg *Package, isInstalled bool, protectedMode func(path string) ProtectMode, flags Flags) (PurgeResult, error) {
	var result PurgeResult
	if pkg.IPkg == nil {
		return result, nil
	}

	for _, di := range append([]*DirInstance(nil), pkg.IPkg.DirInstances...) {
		for _, f := range append([]*File(nil), di.Files()...) {
			action := PurgeDelete
			if !isInstalled {
				action = PurgeCancel
			}

			fullPath := fullPathFor(di.Dir.Path, f.Name)
			if action == PurgeDelete && protectedMode != nil && protectedMode(fullPath) != ProtectNone && !flags.Purge {
				if p.Audit != nil && p.Audit.Audit(fullPath, f.Checksum) != AuditClean {
					action = PurgeCancel
					result.FilesSkipped++
				}
			}

			if action == PurgeDelete && !flags.Simulate {
				if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
					return result, err
				}
				result.FilesDeleted++
			}

			di.Dir.Modified = true
			p.Files.Remove(f)
		}

		result.DirsModified = append(result.DirsModified, di.Dir)
		p.Dirs.DetachDirInstance(di)
		p.Dirs.DirUnref(di.Dir, DirUnrefRemove, flags.Simulate)
	}

	pkg.IPkg.DirInstances = nil
	return result, nil
}

func fullPathFor(dirPath, name string) string {
	if dirPath == "" {
		return name
	}
	return dirPath + "/" + name
}
