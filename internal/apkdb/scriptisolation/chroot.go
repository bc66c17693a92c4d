package scriptisolation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

// ChrootBackend runs a lifecycle script the way §4.10 describes:
// fork, chroot into the installed tree, exec the interpreter, wait.
// Go's runtime forbids a bare fork() between goroutines, so this backend
// gets the same effect through os/exec's SysProcAttr, which performs the
// fork+chroot+execve sequence in the child before any Go code runs there.
type ChrootBackend struct {
	NoChroot bool // NO_CHROOT: run in place, skip the chroot(2) call
}

func (b *ChrootBackend) Run(ctx context.Context, req Request) error {
	if len(req.Argv) == 0 {
		return fmt.Errorf("scriptisolation: empty argv for %s/%s", req.PkgName, req.Kind)
	}

	scriptPath, cleanup, err := writeScriptTemp(req.RootPath, req.Script)
	if err != nil {
		return fmt.Errorf("staging %s script for %s: %w", req.Kind, req.PkgName, err)
	}
	defer cleanup()
	if b.NoChroot {
		scriptPath = filepath.Join(req.RootPath, scriptPath)
	}

	argv := append([]string{scriptPath}, req.Argv[1:]...)
	cmd := exec.CommandContext(ctx, "/bin/sh", argv...)
	cmd.Env = req.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{}
	if !b.NoChroot {
		cmd.SysProcAttr.Chroot = req.RootPath
		cmd.Dir = "/"
	} else {
		cmd.Dir = req.RootPath
	}

	prevUmask := unix.Umask(0o022)
	defer unix.Umask(prevUmask)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s script for %s exited: %w", req.Kind, req.PkgName, err)
	}
	return nil
}

func writeScriptTemp(root string, content []byte) (path string, cleanup func(), err error) {
	dir := root
	if dir == "" {
		dir = "/"
	}
	f, err := os.CreateTemp(dir, ".apk-script-*")
	if err != nil {
		return "", nil, err
	}
	name := f.Name()
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(name)
		return "", nil, err
	}
	if err := f.Chmod(0o755); err != nil {
		f.Close()
		os.Remove(name)
		return "", nil, err
	}
	f.Close()

	rel := name
	if root != "" && len(name) > len(root) && name[:len(root)] == root {
		rel = name[len(root):]
	}
	return rel, func() { os.Remove(name) }, nil
}
