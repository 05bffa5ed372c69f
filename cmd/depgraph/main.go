// Program depgraph generates a Graphviz DOT description of this module's
// own package dependency graph -- the package-to-package graph within
// gokern itself -- using golang.org/x/tools/go/packages to load the
// graph in-process rather than shelling out to `go mod graph`.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"golang.org/x/tools/go/packages"
)

func main() {
	dir := "."
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}

	cfg := &packages.Config{
		Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps,
		Dir:  dir,
	}
	pkgs, err := packages.Load(cfg, "./...")
	if err != nil {
		fmt.Fprintln(os.Stderr, "depgraph:", err)
		os.Exit(1)
	}
	if packages.PrintErrors(pkgs) > 0 {
		os.Exit(1)
	}

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()
	fmt.Fprintln(w, "digraph deps {")

	seen := map[string]bool{}
	var edges []string
	packages.Visit(pkgs, nil, func(p *packages.Package) {
		for path := range p.Imports {
			edges = append(edges, fmt.Sprintf("    %q -> %q;", p.PkgPath, path))
		}
		seen[p.PkgPath] = true
	})
	sort.Strings(edges)
	prev := ""
	for _, e := range edges {
		if e == prev {
			continue // packages.Visit can reach the same package via multiple roots
		}
		prev = e
		fmt.Fprintln(w, e)
	}
	fmt.Fprintln(w, "}")
}
