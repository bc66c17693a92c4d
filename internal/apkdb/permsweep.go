package apkdb

import "fmt"

// PermSweepResult summarizes one sweep pass for callers (§4.11).
type PermSweepResult struct {
	OwnersRecomputed int
	DirsUpdated      int
	Errors           int
}

// PermissionSweeper reapplies directory ownership and on-disk permissions
// after a transaction leaves dirowner_stale or dirperms_stale set (§4.11).
type PermissionSweeper struct {
	Dirs     *DirTree
	ACLs     *ACLInterner
	Log      Logger
	Replaces func(old, new *Package) bool
}

// SweepOwners recomputes each Dir's winning owner across every installed
// package's DirInstances, for the dirowner_stale case (§4.11 step 1).
func (s *PermissionSweeper) SweepOwners(pkgs []*Package, dirpermsStale *bool) PermSweepResult {
	var result PermSweepResult
	for _, pkg := range pkgs {
		if pkg.IPkg == nil {
			continue
		}
		for _, di := range pkg.IPkg.DirInstances {
			ApplyDirInstancePermissions(s.ACLs, dirpermsStale, s.Replaces, di)
			result.OwnersRecomputed++
		}
	}
	return result
}

// SweepPermissions walks every dir in the tree and, for each one marked
// permissions_stale, reapplies its winning owner's ACL to the filesystem
// via fs_update_perms (§4.11 step 2). A failed dir is counted in Errors
// and left stale for the next sweep rather than aborting the pass.
func (s *PermissionSweeper) SweepPermissions(rootPath func(string) string) PermSweepResult {
	var result PermSweepResult
	for _, dir := range s.allDirs() {
		if !dir.PermissionsStale {
			continue
		}
		if dir.Owner == nil {
			dir.PermissionsStale = false
			continue
		}

		fullPath := dir.Path
		if rootPath != nil {
			fullPath = rootPath(dir.Path)
		}

		acl := s.ACLs.Tuple(dir.Owner.ACL)
		if _, err := DirPrepare(fullPath, &acl); err != nil {
			result.Errors++
			if s.Log != nil {
				s.Log.Warn("fs_update_perms failed for %s: %v", fullPath, err)
			}
			continue
		}

		dir.PermissionsStale = false
		dir.Modified = true
		result.DirsUpdated++
	}
	return result
}

func (s *PermissionSweeper) allDirs() []*Dir {
	var out []*Dir
	for _, d := range s.Dirs.byPath {
		out = append(out, d)
	}
	return out
}

// Sweep runs both passes in the order §4.11 describes: owners first
// (which may mark further dirs permissions_stale), then permissions.
func (s *PermissionSweeper) Sweep(pkgs []*Package, rootPath func(string) string) (PermSweepResult, error) {
	if s.Dirs == nil {
		return PermSweepResult{}, fmt.Errorf("permsweep: nil dir tree")
	}
	var dirpermsStale bool
	owners := s.SweepOwners(pkgs, &dirpermsStale)
	perms := s.SweepPermissions(rootPath)
	return PermSweepResult{
		OwnersRecomputed: owners.OwnersRecomputed,
		DirsUpdated:      perms.DirsUpdated,
		Errors:           perms.Errors,
	}, nil
}
