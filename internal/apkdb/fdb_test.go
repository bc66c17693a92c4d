package apkdb

import (
	"bytes"
	"testing"
)

func newTestFDB() (*FDB, *Package) {
	atoms := NewAtomTable()
	acls := NewACLInterner(atoms)
	acls.Intern(DefaultDirACL)
	acls.Intern(DefaultFileACL)
	names := NewNameRegistry()
	pkgs := NewPackageRegistry(names)
	dirs := NewDirTree(acls)
	files := NewFileIndex()

	fdb := &FDB{Atoms: atoms, Names: names, Pkgs: pkgs, Dirs: dirs, ACLs: acls, Files: files}

	pkg := &Package{
		Digest:  "deadbeef",
		Name:    names.GetName("foo"),
		Version: atoms.AtomizeString("1.0.0"),
		Arch:    atoms.AtomizeString("x86_64"),
	}
	pkg.IPkg = &InstalledPackage{Pkg: pkg}
	pkgs.PkgAdd(atoms, pkg)

	dir := dirs.DirGet("usr/bin")
	di := dirs.GetOrCreateDirInstance(pkg, dir)
	di.ACL = acls.Intern(DefaultDirACL)

	f := &File{DirInst: di, Name: "hello", ACL: acls.Intern(DefaultFileACL)}
	files.Insert(f)

	return fdb, pkg
}

func TestFDBRoundTrip(t *testing.T) {
	fdb, _ := newTestFDB()

	var buf bytes.Buffer
	if err := fdb.WriteInstalled(&buf); err != nil {
		t.Fatalf("WriteInstalled() error = %v", err)
	}

	atoms := NewAtomTable()
	acls := NewACLInterner(atoms)
	acls.Intern(DefaultDirACL)
	acls.Intern(DefaultFileACL)
	names := NewNameRegistry()
	pkgs := NewPackageRegistry(names)
	dirs := NewDirTree(acls)
	files := NewFileIndex()
	fdb2 := &FDB{Atoms: atoms, Names: names, Pkgs: pkgs, Dirs: dirs, ACLs: acls, Files: files}

	n, err := fdb2.ReadInstalled(&buf)
	if err != nil {
		t.Fatalf("ReadInstalled() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ReadInstalled() = %d packages, want 1", n)
	}

	got, ok := pkgs.Get("deadbeef")
	if !ok {
		t.Fatalf("round-tripped package not found by digest")
	}
	if got.Name.Name != "foo" || got.Version.String() != "1.0.0" {
		t.Fatalf("got package %s-%s, want foo-1.0.0", got.Name.Name, got.Version.String())
	}
	if len(got.IPkg.DirInstances) != 1 {
		t.Fatalf("got %d dir instances, want 1", len(got.IPkg.DirInstances))
	}
	di := got.IPkg.DirInstances[0]
	if di.Dir.Path != "usr/bin" {
		t.Fatalf("dir path = %q, want usr/bin", di.Dir.Path)
	}
	if len(di.Files()) != 1 || di.Files()[0].Name != "hello" {
		t.Fatalf("files = %v, want [hello]", di.Files())
	}
}
