package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// outputTail keeps error messages readable when npm dumps pages of
// output.
const outputTail = 4096

// Installer installs cataloged packages into a build directory with
// npm. A zero value uses "npm" from PATH; tests override Command.
type Installer struct {
	Command string
}

// Install merges packages into the build dir's package.json and runs a
// single npm install for exactly those packages.
func (i *Installer) Install(ctx context.Context, buildDir string, packages map[string]string) error {
	if len(packages) == 0 {
		return nil
	}
	npm := i.Command
	if npm == "" {
		npm = "npm"
	}
	if _, err := exec.LookPath(npm); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", npm, err)
	}

	if err := mergePackageJSON(buildDir, packages); err != nil {
		return err
	}

	names := make([]string, 0, len(packages))
	for name := range packages {
		names = append(names, name)
	}
	sort.Strings(names)

	args := []string{"install", "--no-audit", "--no-fund", "--loglevel=error"}
	for _, name := range names {
		args = append(args, name+"@"+packages[name])
	}

	cmd := exec.CommandContext(ctx, npm, args...)
	cmd.Dir = buildDir
	output, err := cmd.CombinedOutput()
	if err != nil {
		if len(output) > outputTail {
			output = output[len(output)-outputTail:]
		}
		return fmt.Errorf("npm install failed: %w\nOutput: %s", err, string(output))
	}
	return nil
}

// mergePackageJSON adds packages to the dependencies map of
// buildDir/package.json, creating the file if the submission shipped
// without one.
func mergePackageJSON(buildDir string, packages map[string]string) error {
	pkgPath := filepath.Join(buildDir, "package.json")
	pkg := map[string]any{}
	if data, err := os.ReadFile(pkgPath); err == nil {
		if err := json.Unmarshal(data, &pkg); err != nil {
			return fmt.Errorf("failed to parse package.json: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read package.json: %w", err)
	}

	deps, _ := pkg["dependencies"].(map[string]any)
	if deps == nil {
		deps = map[string]any{}
	}
	for name, version := range packages {
		deps[name] = version
	}
	pkg["dependencies"] = deps
	if _, ok := pkg["name"]; !ok {
		pkg["name"] = "app-submission"
	}
	if _, ok := pkg["private"]; !ok {
		pkg["private"] = true
	}

	data, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode package.json: %w", err)
	}
	if err := os.WriteFile(pkgPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write package.json: %w", err)
	}
	return nil
}
