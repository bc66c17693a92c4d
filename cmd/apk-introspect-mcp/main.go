// Command apk-introspect-mcp is a read-only MCP server exposing the
// installed-package database for agentic tooling. It opens the database
// non-mutating (no lock acquired, §4.12 "a non-mutating open skips the
// lock") and never writes; it is kept separate from the mutating apk CLI
// so it cannot violate the single-writer model (§5).
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/goapk/apkdb/internal/apkdb"
)

type listInstalledArgs struct {
	Root string `json:"root" jsonschema:"root path of the installed-db tree,default=/"`
}

type queryOwnerArgs struct {
	Root string `json:"root" jsonschema:"root path of the installed-db tree,default=/"`
	Path string `json:"path" jsonschema:"file path relative to root"`
}

type packageInfoArgs struct {
	Root string `json:"root" jsonschema:"root path of the installed-db tree,default=/"`
	Name string `json:"name" jsonschema:"package name"`
}

func openReadOnly(root string) (*apkdb.Database, error) {
	if root == "" {
		root = "/"
	}
	return apkdb.Open(apkdb.OpenOptions{RootPath: root, Mutating: false})
}

func listInstalled(ctx context.Context, req *mcp.CallToolRequest, args listInstalledArgs) (*mcp.CallToolResult, any, error) {
	db, err := openReadOnly(args.Root)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	var lines []string
	for _, p := range db.Pkgs.All() {
		if p.IPkg == nil {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s-%s", p.Name.Name, p.Version.String()))
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%d packages installed:\n%s", len(lines), joinLines(lines))}},
	}, nil, nil
}

func queryOwner(ctx context.Context, req *mcp.CallToolRequest, args queryOwnerArgs) (*mcp.CallToolResult, any, error) {
	db, err := openReadOnly(args.Root)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	dirPath, fileName := splitPath(args.Path)
	dir, ok := db.Dirs.Lookup(dirPath)
	if !ok {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "no directory entry for " + args.Path}}}, nil, nil
	}
	f := db.Files.Query(dir, fileName)
	if f == nil || f.DirInst.Pkg == nil {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "not owned by any installed package"}}}, nil, nil
	}

	owner := f.DirInst.Pkg
	text := fmt.Sprintf("%s is owned by %s-%s", args.Path, owner.Name.Name, owner.Version.String())
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil, nil
}

func packageInfo(ctx context.Context, req *mcp.CallToolRequest, args packageInfoArgs) (*mcp.CallToolResult, any, error) {
	db, err := openReadOnly(args.Root)
	if err != nil {
		return nil, nil, err
	}
	defer db.Close()

	name, ok := db.Names.Lookup(args.Name)
	if !ok {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "unknown package " + args.Name}}}, nil, nil
	}

	var lines []string
	for _, p := range name.Providers {
		installed := p.Pkg.IPkg != nil
		lines = append(lines, fmt.Sprintf("%s-%s arch=%s installed=%v origin=%s", p.Pkg.Name.Name, p.Pkg.Version.String(), p.Pkg.Arch.String(), installed, p.Pkg.Origin.String()))
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: joinLines(lines)}}}, nil, nil
}

func splitPath(path string) (dir, name string) {
	idx := -1
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

func main() {
	server := mcp.NewServer(&mcp.Implementation{Name: "apk-introspect", Version: "0.1.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{Name: "list_installed", Description: "List every installed package name-version"}, listInstalled)
	mcp.AddTool(server, &mcp.Tool{Name: "query_owner", Description: "Find which installed package owns a given file path"}, queryOwner)
	mcp.AddTool(server, &mcp.Tool{Name: "package_info", Description: "Show detailed metadata for an installed package by name"}, packageInfo)

	if err := server.Run(context.Background(), mcp.NewStdioTransport()); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
