package apkdb

import (
	"fmt"
	"os"
)

// FSControlAction is the migrator's commit decision for one staged file (§4.7).
type FSControlAction int

const (
	ActionCommit FSControlAction = iota
	ActionCancel
	ActionAPKNew
)

// AuditResult reports whether a file's on-disk content still matches the
// database's last-known checksum for it (§4.7, §8 protected-path behavior).
type AuditResult int

const (
	AuditClean AuditResult = iota
	AuditModified
	AuditMissing
)

// Auditor compares a file's on-disk content against its last recorded
// checksum; a real implementation hashes the file and compares against
// the FDB entry.
type Auditor interface {
	Audit(fullPath string, want Checksum) AuditResult
}

// Migrator finalizes staged files into the filesystem in priority-ordered
// passes (§4.7). This module models a single priority tier (DISK); a
// caller driving multiple tiers invokes Commit once per pass in ascending
// priority order.
type Migrator struct {
	Files    *FileIndex
	Log      Logger
	Audit    Auditor
	idCache  func() // reset hook for /etc/passwd, /etc/group changes
}

// NewMigrator constructs a Migrator. resetIDCache, if non-nil, is called
// whenever /etc/passwd or /etc/group is committed (§4.7 step 4).
func NewMigrator(files *FileIndex, log Logger, audit Auditor, resetIDCache func()) *Migrator {
	return &Migrator{Files: files, Log: log, Audit: audit, idCache: resetIDCache}
}

// Commit finalizes one pass of staged files (§4.7 steps 1-5).
func (m *Migrator) Commit(staged []StagedFile, protectedMode func(path string) ProtectMode, flags Flags) error {
	for _, sf := range staged {
		if err := m.commitOne(sf, protectedMode, flags); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) commitOne(sf StagedFile, protectedMode func(path string) ProtectMode, flags Flags) error {
	old := m.Files.Query(sf.DirInst.Dir, sf.File.Name)

	action := ActionCommit
	switch {
	case old != nil && old.DirInst.Pkg == nil:
		// Overlay-owned entry (no owning package): discard staged.
		action = ActionCancel
	case protectedMode != nil && protectedMode(sf.FinalPath) != ProtectNone:
		audit := AuditMissing
		if old != nil && m.Audit != nil {
			audit = m.Audit.Audit(sf.FinalPath, old.Checksum)
		} else if old == nil {
			audit = AuditMissing
		} else {
			audit = AuditClean
		}
		if audit != AuditClean {
			if flags.CleanProtected || m.identical(sf) {
				action = ActionCancel
			} else {
				action = ActionAPKNew
			}
		}
	}

	if flags.Simulate {
		return nil
	}

	if err := m.fsControl(sf, action); err != nil {
		sf.DirInst.Pkg.IPkg.BrokenFiles = true
		return fmt.Errorf("committing %s: %w", sf.FinalPath, err)
	}

	if action == ActionCommit {
		if m.idCache != nil && (sf.FinalPath == "etc/passwd" || sf.FinalPath == "etc/group" ||
			hasSuffixPath(sf.FinalPath, "/etc/passwd") || hasSuffixPath(sf.FinalPath, "/etc/group")) {
			m.idCache()
		}
		if old != sf.File {
			if old != nil {
				m.Files.Remove(old)
			}
			m.Files.Insert(sf.File)
		}
	} else {
		os.Remove(sf.TempPath)
	}
	return nil
}

// identical reports whether the staged content is byte-identical to the
// file currently on disk (§4.7 step 2, §8 "staged file is byte-identical
// to the on-disk file").
func (m *Migrator) identical(sf StagedFile) bool {
	staged, err := os.ReadFile(sf.TempPath)
	if err != nil {
		return false
	}
	onDisk, err := os.ReadFile(sf.FinalPath)
	if err != nil {
		return false
	}
	if len(staged) != len(onDisk) {
		return false
	}
	for i := range staged {
		if staged[i] != onDisk[i] {
			return false
		}
	}
	return true
}

// fsControl applies action to a staged file: rename into place for
// COMMIT, discard for CANCEL, or install alongside as ".apk-new" for
// APKNEW (§4.7 step 3).
func (m *Migrator) fsControl(sf StagedFile, action FSControlAction) error {
	switch action {
	case ActionCommit:
		return os.Rename(sf.TempPath, sf.FinalPath)
	case ActionCancel:
		return os.Remove(sf.TempPath)
	case ActionAPKNew:
		return os.Rename(sf.TempPath, sf.FinalPath+".apk-new")
	}
	return nil
}

func hasSuffixPath(path, suffix string) bool {
	if len(path) < len(suffix) {
		return false
	}
	return path[len(path)-len(suffix):] == suffix
}
