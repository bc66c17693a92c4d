package apkdb

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// TriggersFile codecs the trigger-glob registration file (§4.9, §4.4/§6.1
// "Trigger globs per installed package"): one line per installed package
// that owns a trigger script, formatted
// "<pkgname>-<version> <pattern> [<pattern> ...]".
type TriggersFile struct {
	Pkgs *PackageRegistry
}

// Read parses the triggers file, setting each matched package's
// InstalledPackage.TriggerPatterns. Unknown package entries are skipped
// rather than failing the whole read, since a triggers file surviving a
// package removal is expected until the next db_rewrite.
func (t *TriggersFile) Read(r io.Reader, lookup func(nameVersion string) *Package) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return newFDBFormatError(lineNo, "triggers line missing patterns: %q", line)
		}
		pkg := lookup(fields[0])
		if pkg == nil || pkg.IPkg == nil {
			continue
		}
		pkg.IPkg.TriggerPatterns = append([]string(nil), fields[1:]...)
	}
	return scanner.Err()
}

// Write emits one line per package with a non-empty TriggerPatterns list,
// in the order pkgs is given (callers pass the same name/version sort used
// for the installed db).
func (t *TriggersFile) Write(w io.Writer, pkgs []*Package) error {
	bw := bufio.NewWriter(w)
	for _, pkg := range pkgs {
		if pkg.IPkg == nil || len(pkg.IPkg.TriggerPatterns) == 0 {
			continue
		}
		fmt.Fprintf(bw, "%s-%s %s\n", pkg.Name.Name, pkg.Version.String(), strings.Join(pkg.IPkg.TriggerPatterns, " "))
	}
	return bw.Flush()
}
