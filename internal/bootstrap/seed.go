package bootstrap

import (
	"embed"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed templates/*.md
var templateFS embed.FS

// ReadTemplate returns the content of an embedded template file.
func ReadTemplate(name string) (string, error) {
	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// EnsureGroupFiles seeds a group workspace directory with its default
// SOUL.md (only if missing) and creates the logs/ subdirectory. CLAUDE.md
// is deliberately never seeded here: its absence is meaningful (it tells
// agent.BuildSystemPrompt to use the built-in default template), so
// seeding it would silently freeze a group onto whatever template shipped
// when it was first created.
func EnsureGroupFiles(groupDir string) (created []string, err error) {
	if err := os.MkdirAll(filepath.Join(groupDir, LogsDir), 0755); err != nil {
		return nil, err
	}

	ok, err := seedTemplate(groupDir, SoulFile)
	if err != nil {
		slog.Warn("bootstrap: failed to seed template", "file", SoulFile, "error", err)
		return nil, nil
	}
	if ok {
		created = append(created, SoulFile)
	}
	return created, nil
}

// seedTemplate writes a template file to the workspace if it doesn't exist.
// Returns true if the file was created, false if it already exists.
func seedTemplate(workspaceDir, name string) (bool, error) {
	dstPath := filepath.Join(workspaceDir, name)

	// Only create if file doesn't exist (O_EXCL)
	f, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil // already exists, skip
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dstPath)
		return false, err
	}

	if _, err := f.Write(content); err != nil {
		return false, err
	}

	return true, nil
}
