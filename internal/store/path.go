package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ndycode/oc-chatgpt-multi-auth/internal/errs"
)

// GlobalDirName is the directory name used both under a project root and
// under the user's home directory.
const GlobalDirName = ".opencode"

// FileName is the durable storage file's name.
const FileName = "openai-codex-accounts.json"

// projectMarkers are the files/directories whose presence identifies a
// directory as a project root for path resolution purposes.
var projectMarkers = []string{".git", "package.json", "Cargo.toml", "go.mod", "pyproject.toml", GlobalDirName}

// ResolvePath returns the storage path to use: a project-local path under
// the nearest ancestor of projectDir containing a project marker, or a
// global path under the user's home directory when projectDir is empty (no
// project context set). ~ is expanded. The resolved path must lie under
// home, cwd, or the system temp dir, else ErrAccessDenied-shaped
// StorageError is returned.
func ResolvePath(projectDir string, homeDir string) (string, error) {
	projectDir = ExpandHome(projectDir, homeDir)
	var base string
	if projectDir != "" {
		root, ok := findProjectRoot(projectDir)
		if ok {
			base = filepath.Join(root, GlobalDirName)
		}
	}
	if base == "" {
		base = filepath.Join(homeDir, GlobalDirName)
	}
	path := filepath.Join(base, FileName)
	if err := verifyAllowedPath(path, homeDir); err != nil {
		return "", err
	}
	return path, nil
}

func findProjectRoot(start string) (string, bool) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", false
	}
	for {
		for _, marker := range projectMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, true
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// ExpandHome expands a leading ~ to homeDir.
func ExpandHome(path string, homeDir string) string {
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

func verifyAllowedPath(path string, homeDir string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return &errs.StorageError{Message: "cannot resolve path", Code: errs.CodeUnknown, Path: path, Hint: "check the path is valid", Cause: err}
	}
	cwd, _ := os.Getwd()
	tmp := os.TempDir()
	for _, allowed := range []string{homeDir, cwd, tmp} {
		if allowed == "" {
			continue
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if strings.HasPrefix(abs, allowedAbs) {
			return nil
		}
	}
	return &errs.StorageError{
		Message: fmt.Sprintf("path %s is outside allowed directories", abs),
		Code:    errs.CodeEACCES,
		Path:    abs,
		Hint:    "storage path must live under home, cwd, or the system temp directory",
	}
}

// RecoveryPaths returns candidate legacy/alternate storage file locations
// to consult when the resolved path has no file yet, built from the
// platform data-home env vars spec §6 names for "recovery-storage
// discovery": APPDATA (Windows per-user data dir) and XDG_DATA_HOME (XDG
// base-dir data home on Linux). Either may be empty; empty ones are
// skipped. These are never written to, only read as a fallback source.
func RecoveryPaths(appData, xdgDataHome string) []string {
	var paths []string
	if appData != "" {
		paths = append(paths, filepath.Join(appData, "opencode", FileName))
	}
	if xdgDataHome != "" {
		paths = append(paths, filepath.Join(xdgDataHome, "opencode", FileName))
	}
	return paths
}

// EnsureGitignored appends ".opencode/" to a sibling .gitignore if the
// containing directory's parent looks like a VCS checkout (has a .git
// sibling) and the entry isn't already present.
func EnsureGitignored(storageDir string) error {
	parent := filepath.Dir(storageDir)
	if _, err := os.Stat(filepath.Join(parent, ".git")); err != nil {
		return nil
	}
	gitignorePath := filepath.Join(parent, ".gitignore")
	entry := GlobalDirName + "/"

	existing, err := os.ReadFile(gitignorePath)
	if err == nil {
		for _, line := range strings.Split(string(existing), "\n") {
			if strings.TrimSpace(line) == entry || strings.TrimSpace(line) == GlobalDirName {
				return nil
			}
		}
	}

	f, err := os.OpenFile(gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil // best-effort, not a fatal storage condition
	}
	defer func() { _ = f.Close() }()

	prefix := ""
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		prefix = "\n"
	}
	_, _ = f.WriteString(prefix + entry + "\n")
	return nil
}
