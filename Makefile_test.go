package tools_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// projectRoot returns the absolute path to the project root directory.
func projectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root")
		}
		dir = parent
	}
}

// readMakefile reads the Makefile content from the project root.
func readMakefile(t *testing.T) string {
	t.Helper()
	root := projectRoot(t)
	data, err := os.ReadFile(filepath.Join(root, "Makefile"))
	require.NoError(t, err, "failed to read Makefile")
	return string(data)
}

// runMake executes a make target in the project root and returns combined output.
func runMake(t *testing.T, target string) (string, error) {
	t.Helper()
	root := projectRoot(t)
	cmd := exec.Command("make", target)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func TestMakefile_Exists(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	info, err := os.Stat(filepath.Join(root, "Makefile"))
	require.NoError(t, err, "Makefile does not exist at project root")
	assert.False(t, info.IsDir(), "Makefile must be a regular file, not a directory")
	assert.Greater(t, info.Size(), int64(0), "Makefile must not be empty")
}

func TestMakefile_ContainsTargets(t *testing.T) {
	t.Parallel()

	content := readMakefile(t)

	targets := []struct {
		name   string
		marker string
	}{
		{name: "build", marker: "build:"},
		{name: "test", marker: "test:"},
		{name: "vet", marker: "vet:"},
		{name: "lint", marker: "lint:"},
		{name: "tidy", marker: "tidy:"},
		{name: "clean", marker: "clean:"},
		{name: "install", marker: "install:"},
		{name: "fmt", marker: "fmt:"},
		{name: "bench", marker: "bench:"},
		{name: "build-debug", marker: "build-debug:"},
		{name: "run-version", marker: "run-version:"},
		{name: "all", marker: "all:"},
	}

	for _, tt := range targets {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Contains(t, content, tt.marker,
				"Makefile must contain target %q", tt.name)
		})
	}
}

func TestMakefile_ContainsLdflags(t *testing.T) {
	t.Parallel()

	content := readMakefile(t)

	ldflagChecks := []struct {
		name    string
		pattern string
	}{
		{name: "ldflags declaration", pattern: "LDFLAGS"},
		{name: "Version injection", pattern: "buildinfo.Version"},
		{name: "Commit injection", pattern: "buildinfo.Commit"},
		{name: "Date injection", pattern: "buildinfo.Date"},
		{name: "X flag for linker", pattern: "-X"},
	}

	for _, tt := range ldflagChecks {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Contains(t, content, tt.pattern,
				"Makefile must contain %q for ldflags injection", tt.pattern)
		})
	}
}

func TestMakefile_ContainsPhony(t *testing.T) {
	t.Parallel()

	content := readMakefile(t)
	assert.Contains(t, content, ".PHONY:",
		"Makefile must declare .PHONY targets")
}

func TestMakeBuild_ProducesBinary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping make build test in short mode")
	}

	root := projectRoot(t)

	_, _ = runMake(t, "clean")

	output, err := runMake(t, "build")
	require.NoError(t, err, "make build failed: %s", output)

	binPath := filepath.Join(root, "dist", "loom")
	info, err := os.Stat(binPath)
	require.NoError(t, err, "binary not found at dist/loom after make build")
	assert.Greater(t, info.Size(), int64(0), "binary must not be empty")

	t.Cleanup(func() {
		_, _ = runMake(t, "clean")
	})
}
