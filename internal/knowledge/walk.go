package knowledge

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"

	"github.com/quern-ai/quern/internal/log"
)

// DefaultMaxFileSize is the per-file size cap for collection. The pipeline
// chunks before embedding, so this guards memory and accidental binaries,
// not the embedder's token limit.
const DefaultMaxFileSize = 1 << 20 // 1 MiB

// defaultExtensions are the file types collected when the caller does not
// name any.
var defaultExtensions = []string{".txt", ".md"}

// PathValidator approves each file before it is read. *security.Path
// implements it; a nil validator approves everything.
type PathValidator interface {
	Validate(path string) (string, error)
}

// WalkStats summarizes one Walk: files collected for ingestion, files
// skipped by policy (extension, size, hidden, .gitignore, validation), and
// files that could not be read.
type WalkStats struct {
	Collected  int
	Skipped    int
	Failed     int
	TotalBytes int64
}

// Walker collects ingestable files from the filesystem. Directory reads go
// through [os.Root], so a walk can never escape the root it was given even
// through symlinks; the validator layers the caller's allow/deny policy on
// top.
type Walker struct {
	validator  PathValidator
	extensions map[string]bool
	maxSize    int64
	logger     log.Logger
}

// NewWalker creates a Walker. extensions lists the file types to collect
// (".txt" form, case-insensitive); empty means txt and md.
func NewWalker(validator PathValidator, extensions []string, logger log.Logger) *Walker {
	if len(extensions) == 0 {
		extensions = defaultExtensions
	}
	extMap := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		extMap[strings.ToLower(ext)] = true
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Walker{
		validator:  validator,
		extensions: extMap,
		maxSize:    DefaultMaxFileSize,
		logger:     logger,
	}
}

// Walk collects inputs from path, which may be a single file or a directory
// to walk recursively. Directory walks honor the root's .gitignore, skip
// hidden files and directories, and continue past unreadable files; a
// single named file that cannot be collected is an error instead, since the
// caller asked for exactly that file.
func (w *Walker) Walk(path string) ([]Input, WalkStats, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, WalkStats{}, fmt.Errorf("resolving %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, WalkStats{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return w.collectFile(abs, info)
	}
	return w.walkDir(abs)
}

func (w *Walker) collectFile(abs string, info os.FileInfo) ([]Input, WalkStats, error) {
	ext := strings.ToLower(filepath.Ext(abs))
	if !w.extensions[ext] {
		return nil, WalkStats{}, fmt.Errorf("unsupported file type %q", ext)
	}
	if info.Size() > w.maxSize {
		return nil, WalkStats{}, fmt.Errorf("file is %d bytes, over the %d byte cap", info.Size(), w.maxSize)
	}

	readPath := abs
	if w.validator != nil {
		resolved, err := w.validator.Validate(abs)
		if err != nil {
			return nil, WalkStats{}, err
		}
		readPath = resolved
	}

	content, err := os.ReadFile(readPath)
	if err != nil {
		return nil, WalkStats{}, fmt.Errorf("reading file: %w", err)
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, WalkStats{}, fmt.Errorf("file %s has no text content", filepath.Base(abs))
	}

	stats := WalkStats{Collected: 1, TotalBytes: info.Size()}
	return []Input{fileInput(abs, content)}, stats, nil
}

func (w *Walker) walkDir(absDir string) ([]Input, WalkStats, error) {
	// Reads go through the restricted root so the walk cannot follow a
	// symlink out of the tree.
	root, err := os.OpenRoot(absDir)
	if err != nil {
		return nil, WalkStats{}, fmt.Errorf("opening root directory: %w", err)
	}
	defer func() {
		_ = root.Close()
	}()

	// A malformed .gitignore is ignored rather than failing the walk.
	var gitIgnore *ignore.GitIgnore
	gitignorePath := filepath.Join(absDir, ".gitignore")
	if _, err := os.Stat(gitignorePath); err == nil {
		if gi, err := ignore.CompileIgnoreFile(gitignorePath); err == nil {
			gitIgnore = gi
		}
	}

	var inputs []Input
	var stats WalkStats

	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			stats.Failed++
			return nil // keep walking
		}
		if path == absDir {
			return nil
		}

		rel, err := filepath.Rel(absDir, path)
		if err != nil {
			stats.Failed++
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			stats.Skipped++
			return nil
		}
		if gitIgnore != nil {
			// Directory patterns like "vendor/" only match paths with the
			// trailing slash, which filepath.Rel never produces.
			probe := rel
			if d.IsDir() {
				probe += "/"
			}
			if gitIgnore.MatchesPath(probe) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				stats.Skipped++
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(d.Name()))
		if !w.extensions[ext] {
			stats.Skipped++
			return nil
		}

		fileInfo, err := d.Info()
		if err != nil {
			stats.Failed++
			return nil
		}
		if fileInfo.Size() > w.maxSize {
			stats.Skipped++
			w.logger.Debug("file over size cap, skipped", "path", rel, "size", fileInfo.Size())
			return nil
		}

		if w.validator != nil {
			if _, err := w.validator.Validate(path); err != nil {
				stats.Skipped++
				w.logger.Debug("path rejected by policy, skipped", "path", rel, "error", err)
				return nil
			}
		}

		content, err := root.ReadFile(rel)
		if err != nil {
			stats.Failed++
			w.logger.Debug("reading file failed", "path", rel, "error", err)
			return nil
		}
		if len(bytes.TrimSpace(content)) == 0 {
			stats.Skipped++
			return nil
		}

		inputs = append(inputs, fileInput(path, content))
		stats.Collected++
		stats.TotalBytes += fileInfo.Size()
		return nil
	})
	if err != nil {
		return nil, stats, fmt.Errorf("walking directory: %w", err)
	}

	return inputs, stats, nil
}

// fileInput builds the ingestion input for one file. Metadata stays
// content-derived so re-ingesting an unchanged file produces an identical
// entry set.
func fileInput(absPath string, content []byte) Input {
	return Input{
		SourceURI: absPath,
		RawText:   string(content),
		Metadata: map[string]string{
			"file_name": filepath.Base(absPath),
			"file_ext":  strings.ToLower(filepath.Ext(absPath)),
		},
	}
}
