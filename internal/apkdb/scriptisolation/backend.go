// Package scriptisolation provides pluggable execution backends for
// package lifecycle scripts (§4.10). The spec only describes fork+chroot;
// ChrootBackend implements that. MicroVMBackend offers a stronger
// isolation boundary for callers that want it.
package scriptisolation

import "context"

// Request describes one lifecycle-script invocation.
type Request struct {
	RootPath string   // root of the installed filesystem tree
	Script   []byte   // script contents (shell interpreter line included)
	Argv     []string // argv[0] is the script's own name per convention
	Env      []string // already-sanitized per PRESERVE_ENV handling
	PkgName  string
	Kind     string // human-readable script kind, for logging/labeling
}

// Backend executes one lifecycle script to completion and reports its
// outcome. A non-nil error means the script either failed to start or
// exited non-zero; callers treat both as script failure (§4.10, §8
// "script exits non-zero").
type Backend interface {
	Run(ctx context.Context, req Request) error
}
