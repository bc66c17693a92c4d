package apkdb

import "testing"

func TestDirInstanceRefcounting(t *testing.T) {
	atoms := NewAtomTable()
	acls := NewACLInterner(atoms)
	tree := NewDirTree(acls)

	dir := tree.DirGet("usr/bin")
	name := &Name{Name: "foo"}
	pkg := &Package{Name: name}
	pkg.IPkg = &InstalledPackage{Pkg: pkg}

	di := tree.GetOrCreateDirInstance(pkg, dir)
	if got := tree.GetOrCreateDirInstance(pkg, dir); got != di {
		t.Fatalf("GetOrCreateDirInstance should return the same instance for the same package")
	}
	if len(dir.Instances()) != 1 {
		t.Fatalf("dir should have exactly one instance, got %d", len(dir.Instances()))
	}

	tree.DetachDirInstance(di)
	if len(dir.Instances()) != 0 {
		t.Fatalf("dir should have no instances after detach, got %d", len(dir.Instances()))
	}
}

func TestFileIndexInsertRemove(t *testing.T) {
	atoms := NewAtomTable()
	acls := NewACLInterner(atoms)
	tree := NewDirTree(acls)
	idx := NewFileIndex()

	dir := tree.DirGet("etc")
	pkg := &Package{Name: &Name{Name: "foo"}}
	pkg.IPkg = &InstalledPackage{Pkg: pkg}
	di := tree.GetOrCreateDirInstance(pkg, dir)

	f := &File{DirInst: di, Name: "passwd"}
	idx.Insert(f)

	if got := idx.Query(dir, "passwd"); got != f {
		t.Fatalf("Query() = %v, want %v", got, f)
	}
	if len(di.Files()) != 1 {
		t.Fatalf("DirInstance should own 1 file, got %d", len(di.Files()))
	}

	idx.Remove(f)
	if got := idx.Query(dir, "passwd"); got != nil {
		t.Fatalf("Query() after Remove = %v, want nil", got)
	}
	if len(di.Files()) != 0 {
		t.Fatalf("DirInstance should own 0 files after Remove, got %d", len(di.Files()))
	}
}
