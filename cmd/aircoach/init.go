package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/maxvaega/serverless-AIR-coach/internal/defaults"
)

// runInit initializes an AIR Coach working directory with default files.
// It creates the directory structure and writes the bundled example
// config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing AIR Coach workspace in %s\n", dir)

	// Create the base directory and subdirectories.
	for _, sub := range []string{"data", "docs"} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// Write config example if no config exists. Restricted permissions:
	// the file may end up holding API keys after the operator edits it.
	configPath := filepath.Join(dir, "aircoach.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit aircoach.yaml, then place knowledge-base markdown files in docs/.")
	fmt.Fprintln(w, "Import the theory question corpus with: aircoach quiz <file.json>")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, mode)
}
