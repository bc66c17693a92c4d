package apkdb

import (
	"os"
	"path/filepath"
	"testing"
)

type fakeAuditor struct{ result AuditResult }

func (a fakeAuditor) Audit(string, Checksum) AuditResult { return a.result }

func stagedFixture(t *testing.T, dir string) (*FDB, *Package, StagedFile) {
	t.Helper()
	fdb, pkg := newTestFDB()

	tempPath := filepath.Join(dir, "staged")
	finalPath := filepath.Join(dir, "final")
	if err := os.WriteFile(tempPath, []byte("new content"), 0o644); err != nil {
		t.Fatalf("writing staged content: %v", err)
	}

	di := pkg.IPkg.DirInstances[0]
	f := &File{DirInst: di, Name: "final"}
	return fdb, pkg, StagedFile{DirInst: di, File: f, TempPath: tempPath, FinalPath: finalPath}
}

func TestMigratorCommitsUnprotectedFile(t *testing.T) {
	dir := t.TempDir()
	fdb, _, sf := stagedFixture(t, dir)

	m := NewMigrator(fdb.Files, nopLogger{}, fakeAuditor{result: AuditClean}, nil)
	if err := m.Commit([]StagedFile{sf}, func(string) ProtectMode { return ProtectNone }, Flags{}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := os.Stat(sf.FinalPath); err != nil {
		t.Fatalf("expected final path to exist: %v", err)
	}
	if got := fdb.Files.Query(sf.DirInst.Dir, "final"); got != sf.File {
		t.Fatalf("file index not updated after commit")
	}
}

func TestMigratorWritesApkNewForModifiedProtectedFile(t *testing.T) {
	dir := t.TempDir()
	fdb, _, sf := stagedFixture(t, dir)

	if err := os.WriteFile(sf.FinalPath, []byte("admin edited this"), 0o644); err != nil {
		t.Fatalf("writing existing final content: %v", err)
	}
	fdb.Files.Insert(&File{DirInst: sf.DirInst, Name: "final"})

	m := NewMigrator(fdb.Files, nopLogger{}, fakeAuditor{result: AuditModified}, nil)
	if err := m.Commit([]StagedFile{sf}, func(string) ProtectMode { return ProtectChanged }, Flags{}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := os.Stat(sf.FinalPath + ".apk-new"); err != nil {
		t.Fatalf("expected .apk-new sidecar to exist: %v", err)
	}
	data, err := os.ReadFile(sf.FinalPath)
	if err != nil {
		t.Fatalf("reading original final path: %v", err)
	}
	if string(data) != "admin edited this" {
		t.Fatalf("protected file content was overwritten: %q", data)
	}
}

// TestMigratorCleanProtectedKeepsOnDisk checks §4.7's CLEAN_PROTECTED rule:
// a modified protected file is cancelled (on-disk content kept, no
// .apk-new sidecar), the opposite of FORCE_OVERWRITE.
func TestMigratorCleanProtectedKeepsOnDisk(t *testing.T) {
	dir := t.TempDir()
	fdb, _, sf := stagedFixture(t, dir)

	if err := os.WriteFile(sf.FinalPath, []byte("admin edited this"), 0o644); err != nil {
		t.Fatalf("writing existing final content: %v", err)
	}
	fdb.Files.Insert(&File{DirInst: sf.DirInst, Name: "final"})

	m := NewMigrator(fdb.Files, nopLogger{}, fakeAuditor{result: AuditModified}, nil)
	if err := m.Commit([]StagedFile{sf}, func(string) ProtectMode { return ProtectChanged }, Flags{CleanProtected: true}); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	if _, err := os.Stat(sf.FinalPath + ".apk-new"); !os.IsNotExist(err) {
		t.Fatalf("expected no .apk-new sidecar with CLEAN_PROTECTED set")
	}
	data, err := os.ReadFile(sf.FinalPath)
	if err != nil {
		t.Fatalf("reading final path: %v", err)
	}
	if string(data) != "admin edited this" {
		t.Fatalf("final content = %q, want on-disk content kept", data)
	}
}
