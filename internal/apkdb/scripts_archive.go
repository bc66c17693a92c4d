package apkdb

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// scriptArchiveEntryName renders the tar entry name for a package's script
// of the given kind: "<pkgname>-<version>.<action>" (§4.4).
func scriptArchiveEntryName(pkg *Package, kind ScriptKind) string {
	return fmt.Sprintf("%s-%s.%s", pkg.Name.Name, pkg.Version.String(), kind.String())
}

// parseScriptArchiveEntryName splits an entry name back into its package
// name/version prefix and action suffix. Returns ok=false for malformed
// names (no trailing ".<action>").
func parseScriptArchiveEntryName(entryName string) (nameVersion, action string, ok bool) {
	idx := strings.LastIndexByte(entryName, '.')
	if idx < 0 || idx == len(entryName)-1 {
		return "", "", false
	}
	return entryName[:idx], entryName[idx+1:], true
}

// ReadScriptsArchive reads a tar stream of lifecycle scripts (the ".apk"
// control archive's script members, aggregated across all installed
// packages, §4.4) and attaches each to the matching InstalledPackage by
// name-version lookup in pkgs.
func ReadScriptsArchive(r io.Reader, lookup func(nameVersion string) *Package) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading script archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		nameVersion, action, ok := parseScriptArchiveEntryName(hdr.Name)
		if !ok {
			continue
		}
		kind, ok := ParseScriptKind(action)
		if !ok {
			continue
		}
		pkg := lookup(nameVersion)
		if pkg == nil || pkg.IPkg == nil {
			continue
		}

		content := make([]byte, hdr.Size)
		if _, err := io.ReadFull(tr, content); err != nil {
			return fmt.Errorf("reading script %s: %w", hdr.Name, err)
		}
		pkg.IPkg.Scripts[kind] = content
	}
	return nil
}

// WriteScriptsArchive serializes every installed package's non-empty
// scripts into a single tar stream, entries sorted by name for a
// deterministic archive digest.
func WriteScriptsArchive(w io.Writer, pkgs []*Package) error {
	tw := tar.NewWriter(w)

	type entry struct {
		name    string
		content []byte
	}
	var entries []entry
	for _, pkg := range pkgs {
		if pkg.IPkg == nil {
			continue
		}
		for kind := ScriptKind(0); kind < numScriptKinds; kind++ {
			content := pkg.IPkg.Scripts[kind]
			if len(content) == 0 {
				continue
			}
			entries = append(entries, entry{
				name:    scriptArchiveEntryName(pkg, kind),
				content: content,
			})
		}
	}
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].name < entries[j-1].name; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Mode:     0755,
			Size:     int64(len(e.content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing script header %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.content); err != nil {
			return fmt.Errorf("writing script content %s: %w", e.name, err)
		}
	}
	return tw.Close()
}

// scriptsArchiveBuffer renders the scripts archive for pkgs into an
// in-memory buffer.
func scriptsArchiveBuffer(pkgs []*Package) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	if err := WriteScriptsArchive(&buf, pkgs); err != nil {
		return nil, err
	}
	return &buf, nil
}
