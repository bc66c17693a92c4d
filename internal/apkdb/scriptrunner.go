package apkdb

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goapk/apkdb/internal/apkdb/scriptisolation"
)

// scriptTimeout bounds a single lifecycle script invocation; the spec
// does not set one, but an unbounded fork+chroot+execve can wedge a
// transaction forever on a broken script.
const scriptTimeout = 5 * time.Minute

// BackendScriptRunner adapts a scriptisolation.Backend to the ScriptRunner
// interface the installer expects (§4.10).
type BackendScriptRunner struct {
	Backend  scriptisolation.Backend
	RootPath string
	Flags    Flags
}

// NewScriptRunner builds the default fork+chroot runner unless NO_CHROOT
// is set, in which case the chroot backend itself skips the chroot call.
func NewScriptRunner(rootPath string, flags Flags) *BackendScriptRunner {
	return &BackendScriptRunner{
		Backend:  &scriptisolation.ChrootBackend{NoChroot: flags.NoChroot},
		RootPath: rootPath,
		Flags:    flags,
	}
}

// RunScript extracts pkg's script for kind and executes it, matching
// §4.10's PRESERVE_ENV / chroot rules.
func (r *BackendScriptRunner) RunScript(pkg *Package, kind ScriptKind, argv []string) error {
	if pkg.IPkg == nil {
		return fmt.Errorf("scriptrunner: %s has no installed state", pkg.Name.Name)
	}
	content := pkg.IPkg.Scripts[kind]
	if len(content) == 0 {
		return nil
	}

	name := pkg.Name.Name
	if len(argv) == 0 {
		argv = []string{kind.String()}
	}
	fullArgv := append([]string{fmt.Sprintf("%s-%s.%s", name, pkg.Version.String(), kind.String())}, argv...)

	req := scriptisolation.Request{
		RootPath: r.RootPath,
		Script:   content,
		Argv:     fullArgv,
		Env:      r.scriptEnv(),
		PkgName:  name,
		Kind:     kind.String(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()
	return r.Backend.Run(ctx, req)
}

func (r *BackendScriptRunner) scriptEnv() []string {
	if r.Flags.PreserveEnv {
		return os.Environ()
	}
	return []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/",
	}
}
