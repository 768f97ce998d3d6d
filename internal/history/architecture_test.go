package history

import (
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// TestOnlyHistoryPackageImportsInfra ensures that only the top-level history
// package and the binaries under cmd (the composition roots) wrap the
// infra-backed stores. Library packages must depend on the history.Store
// interface instead of importing the adapters directly.
func TestOnlyHistoryPackageImportsInfra(t *testing.T) {
	infraPrefix := "braggcore/internal/infra/history"
	allowedPrefixes := []string{
		"braggcore/internal/history",
		"braggcore/cmd/",
	}

	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, "braggcore/...")
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}

	seen := make(map[string]struct{})

	for _, pkg := range pkgs {
		if allowedPkg(pkg.PkgPath, allowedPrefixes) {
			continue
		}
		if strings.HasPrefix(pkg.PkgPath, infraPrefix) {
			continue
		}
		for importPath := range pkg.Imports {
			if isInfraImport(importPath, infraPrefix) {
				pos := filepath.Join(pkg.PkgPath, "...")
				seen[pos+": "+importPath] = struct{}{}
			}
		}
	}

	if len(seen) > 0 {
		violations := make([]string, 0, len(seen))
		for v := range seen {
			violations = append(violations, v)
		}
		sort.Strings(violations)
		for _, v := range violations {
			t.Errorf("forbidden import of infra history package: %s", v)
		}
		t.Fatalf("found %d forbidden imports of infra history packages", len(violations))
	}
}

func allowedPkg(pkgPath string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(pkgPath, p) {
			return true
		}
	}
	return false
}

func isInfraImport(importPath, prefix string) bool {
	return importPath == prefix || strings.HasPrefix(importPath, prefix+"/")
}
