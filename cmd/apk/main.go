// Command apk is the mutating CLI over an installed-package database:
// add/delete dependencies to world, fix broken installs, inspect
// packages, and manage the local cache.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/goapk/apkdb/internal/apkdb"
)

// CLI defines the command-line interface structure.
type CLI struct {
	Root string `long:"root" default:"/" help:"Installed-db root path"`

	Add   AddCmd   `cmd:"" help:"Add packages to world (nothing is installed)"`
	Del   DelCmd   `cmd:"" help:"Remove packages from world (nothing is purged)"`
	Fix   FixCmd   `cmd:"" help:"Re-run permission sweep and fire pending triggers"`
	Info  InfoCmd  `cmd:"" help:"Show installed package information"`
	Audit AuditCmd `cmd:"" help:"Print the number of installed packages (file contents are not checked)"`
	Cache CacheCmd `cmd:"" help:"Manage the local package cache"`

	Simulate bool `long:"simulate" short:"s" help:"Dry run, no filesystem writes"`
	NoNetwork bool `long:"no-network" help:"Never fetch from remote repositories"`
	NoCache  bool `long:"no-cache" help:"Bypass the local cache"`
	NoChroot bool `long:"no-chroot" help:"Run lifecycle scripts without chroot"`
}

func (cli *CLI) flags() apkdb.Flags {
	return apkdb.Flags{
		Simulate:  cli.Simulate,
		NoNetwork: cli.NoNetwork,
		NoCache:   cli.NoCache,
		NoChroot:  cli.NoChroot,
	}
}

// AddCmd adds one or more constraints to world.
type AddCmd struct {
	Packages []string `arg:"" help:"Package name constraints, e.g. foo>=1.2"`
}

func (c *AddCmd) Run(cli *CLI) error {
	log := apkdb.NewStderrLogger()
	db, err := apkdb.Open(apkdb.OpenOptions{RootPath: cli.Root, Flags: cli.flags(), Mutating: true, Log: log})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	for _, p := range c.Packages {
		if db.World.Add(p) {
			log.Progress("added %s to world", p)
		}
	}

	if cli.Simulate {
		return nil
	}
	return db.Write()
}

// DelCmd removes one or more constraints from world. Packages that become
// unreferenced are not purged.
type DelCmd struct {
	Packages []string `arg:"" help:"Package names to remove"`
}

func (c *DelCmd) Run(cli *CLI) error {
	log := apkdb.NewStderrLogger()
	db, err := apkdb.Open(apkdb.OpenOptions{RootPath: cli.Root, Flags: cli.flags(), Mutating: true, Log: log})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	for _, name := range c.Packages {
		if n := db.World.Remove(name); n > 0 {
			log.Progress("removed %s from world", name)
		}
	}

	if cli.Simulate {
		return nil
	}
	return db.Write()
}

// FixCmd re-sweeps permissions and fires any pending triggers without
// changing world.
type FixCmd struct{}

func (c *FixCmd) Run(cli *CLI) error {
	log := apkdb.NewStderrLogger()
	db, err := apkdb.Open(apkdb.OpenOptions{RootPath: cli.Root, Flags: cli.flags(), Mutating: true, Log: log})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	sweeper := &apkdb.PermissionSweeper{Dirs: db.Dirs, ACLs: db.ACLs, Log: log, Replaces: func(old, new *apkdb.Package) bool { return true }}
	result, err := sweeper.Sweep(db.Pkgs.All(), func(p string) string { return cli.Root + "/" + p })
	if err != nil {
		return fmt.Errorf("sweeping permissions: %w", err)
	}
	log.Progress("recomputed %d owners, updated %d dirs, %d errors", result.OwnersRecomputed, result.DirsUpdated, result.Errors)

	engine := &apkdb.TriggerEngine{Dirs: db.Dirs, Log: log}
	fired := engine.FireTriggers(db.Pkgs.All())
	log.Progress("fired %d pending trigger matches", fired)

	if cli.Simulate {
		return nil
	}
	return db.Write()
}

// InfoCmd prints the installed metadata for one package.
type InfoCmd struct {
	Package string `arg:"" help:"Package name"`
}

func (c *InfoCmd) Run(cli *CLI) error {
	db, err := apkdb.Open(apkdb.OpenOptions{RootPath: cli.Root, Flags: cli.flags(), Mutating: false})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	name, ok := db.Names.Lookup(c.Package)
	if !ok {
		return fmt.Errorf("package %s is not known", c.Package)
	}
	for _, p := range name.Providers {
		installed := p.Pkg.IPkg != nil
		fmt.Printf("%s-%s arch=%s installed=%v\n", p.Pkg.Name.Name, p.Pkg.Version.String(), p.Pkg.Arch.String(), installed)
	}
	return nil
}

// AuditCmd prints the number of installed packages. It does not compare
// on-disk file contents against the installed db's recorded checksums.
type AuditCmd struct{}

func (c *AuditCmd) Run(cli *CLI) error {
	db, err := apkdb.Open(apkdb.OpenOptions{RootPath: cli.Root, Flags: cli.flags(), Mutating: false})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	fmt.Printf("%d packages installed\n", len(installedPackages(db)))
	return nil
}

func installedPackages(db *apkdb.Database) []*apkdb.Package {
	var out []*apkdb.Package
	for _, p := range db.Pkgs.All() {
		if p.IPkg != nil {
			out = append(out, p)
		}
	}
	return out
}

// CacheCmd groups cache-management subcommands.
type CacheCmd struct {
	Clean CacheCleanCmd `cmd:"" help:"Remove cache entries for packages no longer installed or referenced"`
}

// CacheCleanCmd garbage-collects the local cache.
type CacheCleanCmd struct{}

func (c *CacheCleanCmd) Run(cli *CLI) error {
	log := apkdb.NewStderrLogger()
	db, err := apkdb.Open(apkdb.OpenOptions{RootPath: cli.Root, Flags: cli.flags(), Mutating: true, Log: log})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	removed, err := db.Cache.GC(db.Pkgs, db.Repos)
	if err != nil {
		return fmt.Errorf("cleaning cache: %w", err)
	}
	log.Progress("removed %d stale cache entries", removed)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("apk"),
		kong.Description("Installed-package database and installation engine"),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
