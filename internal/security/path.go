package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel errors returned by [Path.Validate]. None of them carry the
// rejected path; callers that want it for logging already have it.
var (
	// ErrInvalidPath marks input that cannot be interpreted as a path at all.
	ErrInvalidPath = errors.New("invalid path")

	// ErrPathOutsideAllowed marks a path outside allowed directories.
	ErrPathOutsideAllowed = errors.New("path is outside allowed directories")

	// ErrPathDenied marks a path inside a denied directory.
	ErrPathDenied = errors.New("path is inside a denied directory")

	// ErrSymlinkOutsideAllowed marks a symlink whose target escapes the
	// allowed directories.
	ErrSymlinkOutsideAllowed = errors.New("symbolic link resolves outside allowed directories")
)

// Path validates file paths against allow and deny roots.
// Used to prevent path traversal attacks (CWE-22).
type Path struct {
	allowedDirs []string
	deniedDirs  []string
	workDir     string
}

// NewPath creates a path validator. The working directory is always an
// allowed root; allowedDirs extend it. deniedDirs carve subtrees back out
// and take precedence over allows.
func NewPath(allowedDirs, deniedDirs []string) (*Path, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	absAllowed, err := absAll(allowedDirs)
	if err != nil {
		return nil, err
	}
	absDenied, err := absAll(deniedDirs)
	if err != nil {
		return nil, err
	}

	return &Path{
		allowedDirs: absAllowed,
		deniedDirs:  absDenied,
		workDir:     workDir,
	}, nil
}

func absAll(dirs []string) ([]string, error) {
	abs := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		a, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("resolving directory %s: %w", dir, err)
		}
		abs = append(abs, a)
	}
	return abs, nil
}

// Validate normalizes path and returns its safe absolute form. Symlinks are
// resolved and the target re-checked, so a link inside an allowed root cannot
// reach outside it. A path that does not exist yet passes as long as its
// lexical form is inside the roots.
func (p *Path) Validate(path string) (string, error) {
	// A NUL byte terminates the C string at the syscall boundary, which
	// would let "safe.txt\x00../../etc" validate as one path and open as
	// another.
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("%w: contains NUL byte", ErrInvalidPath)
	}

	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	if !p.allowed(absPath) {
		return "", ErrPathOutsideAllowed
	}
	if p.denied(absPath) {
		return "", ErrPathDenied
	}

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving symbolic links: %w", err)
		}
		// Not on disk yet; the lexical checks above already passed.
		return absPath, nil
	}

	if realPath != absPath {
		if !p.allowed(realPath) {
			return "", ErrSymlinkOutsideAllowed
		}
		if p.denied(realPath) {
			return "", ErrPathDenied
		}
		absPath = realPath
	}

	return absPath, nil
}

func (p *Path) allowed(abs string) bool {
	if underRoot(abs, p.workDir) {
		return true
	}
	for _, dir := range p.allowedDirs {
		if underRoot(abs, dir) {
			return true
		}
	}
	return false
}

func (p *Path) denied(abs string) bool {
	for _, dir := range p.deniedDirs {
		if underRoot(abs, dir) {
			return true
		}
	}
	return false
}

func underRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// IsPathSafe quickly rejects paths with obvious dangerous patterns. Cheap
// pre-filter only; Validate remains the authority.
func IsPathSafe(path string) bool {
	dangerousPatterns := []string{
		"../",   // upward traversal
		"..\\",  // Windows upward traversal
		"/etc/", // system configuration
		"/dev/", // device files
		"/proc/",
		"/sys/",
		"c:\\",
		"c:/",
	}

	lowerPath := strings.ToLower(path)
	for _, pattern := range dangerousPatterns {
		if strings.Contains(lowerPath, pattern) {
			return false
		}
	}
	return true
}
