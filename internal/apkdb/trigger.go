package apkdb

import (
	"path"
	"strings"

	"github.com/godbus/dbus/v5"
)

// TriggerEngine sweeps modified directories and appends matching paths to
// each interested package's pending-trigger list (§4.9).
type TriggerEngine struct {
	Dirs *DirTree
	Log  Logger
}

// FireTriggers walks every dir in the tree; for each one marked Modified,
// it appends the dir's path to the pending_triggers list of every
// installed package whose RunAllTriggers is set or whose trigger glob
// matches the dir. When any match was recorded it then emits the
// best-effort desktop-bus notification with the modified dirs' paths.
// Returns the number of (package, dir) matches recorded.
func (t *TriggerEngine) FireTriggers(pkgs []*Package) int {
	matches := 0
	var changed []string
	for _, dir := range t.modifiedDirs() {
		changed = append(changed, "/"+dir.Path)
		for _, pkg := range pkgs {
			if pkg.IPkg == nil {
				continue
			}
			if !pkg.IPkg.RunAllTriggers && !matchesAnyTrigger(pkg.IPkg.TriggerPatterns, dir.Path) {
				continue
			}
			appendPendingTrigger(pkg.IPkg, dir.Path)
			matches++
		}
	}
	if matches > 0 {
		notifyDesktopBus(changed)
	}
	return matches
}

func (t *TriggerEngine) modifiedDirs() []*Dir {
	var out []*Dir
	for _, d := range t.allDirs() {
		if d.Modified {
			out = append(out, d)
		}
	}
	return out
}

func (t *TriggerEngine) allDirs() []*Dir {
	var out []*Dir
	for _, d := range t.Dirs.byPath {
		out = append(out, d)
	}
	return out
}

func matchesAnyTrigger(patterns []string, dirPath string) bool {
	rooted := "/" + dirPath
	for _, pat := range patterns {
		if ok, err := path.Match(pat, rooted); err == nil && ok {
			return true
		}
	}
	return false
}

// appendPendingTrigger appends dirPath to ipkg's pending list, preserving
// FIFO order as required when multiple packages share a pending trigger
// (§9 open question: invocation order is the triggers-list's insertion
// order). The first append also places a leading empty-string placeholder
// standing in for the eventual script-name argument slot.
func appendPendingTrigger(ipkg *InstalledPackage, dirPath string) {
	if len(ipkg.PendingTriggers) == 0 {
		ipkg.PendingTriggers = append(ipkg.PendingTriggers, "")
	}
	ipkg.PendingTriggers = append(ipkg.PendingTriggers, dirPath)
}

// PendingCount reports the total number of packages with at least one
// pending trigger, for the DB-wide pending-work counter (§4.9).
func PendingCount(pkgs []*Package) int {
	n := 0
	for _, pkg := range pkgs {
		if pkg.IPkg != nil && len(pkg.IPkg.PendingTriggers) > 0 {
			n++
		}
	}
	return n
}

// notifyDesktopBus emits a best-effort org.freedesktop.DBus signal after a
// transaction's triggers have fired, so desktop session components notice
// footprint changes. Any dbus error (no session bus, no desktop session)
// is swallowed, matching the spec's own best-effort mount/rmdir language.
func notifyDesktopBus(changedPaths []string) {
	if len(changedPaths) == 0 {
		return
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return
	}
	defer conn.Close()

	_ = conn.Emit("/org/goapk/Database", "org.goapk.Database.FootprintChanged", strings.Join(changedPaths, ":"))
}
