// Package source implements the ELFHex Source Loader (spec §4.A): it
// resolves an include path against a configured search path, parses the
// file exactly once, and caches the result by canonical path so that
// include traversal is O(files), not O(edges).
package source

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
	"moria.us/elfhex/parser"
)

// Result is what Load returns for a given canonical path: either a freshly
// parsed file, or a signal that this path was already loaded (and its
// contents are therefore already present in whatever is accumulating
// them — the preprocessor relies on this to break include cycles).
type Result struct {
	File         *asm.File
	AlreadyLoaded bool
}

// Loader locates, parses, and caches source files by canonical path.
type Loader struct {
	SearchPath []string

	cache map[string]*asm.File
}

// NewLoader creates a Loader with the given search path. The search path
// is tried in order; the first path segment that yields an existing file
// wins.
func NewLoader(searchPath []string) *Loader {
	return &Loader{SearchPath: searchPath, cache: make(map[string]*asm.File)}
}

// Load resolves path against the search path, parses it if this is the
// first time it has been seen, and returns the cached result otherwise.
// base is the including file's directory, tried first so that relative
// includes resolve the way a reader expects; pass "" for the entry file.
func (l *Loader) Load(base, path string) (Result, error) {
	full, err := l.resolve(base, path)
	if err != nil {
		return Result{}, err
	}
	canon, err := filepath.Abs(full)
	if err != nil {
		return Result{}, errs.Wrap(errs.FileNotFound, errs.Location{File: path}, err, "could not canonicalise %q", path)
	}
	if f, ok := l.cache[canon]; ok {
		log.WithField("path", canon).Debug("source: already loaded")
		return Result{File: f, AlreadyLoaded: true}, nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Result{}, errs.Wrap(errs.FileNotFound, errs.Location{File: path}, err, "could not read %q", path)
	}
	f, err := parser.Parse(canon, data)
	if err != nil {
		return Result{}, err
	}
	l.cache[canon] = f
	log.WithFields(log.Fields{"path": canon, "segments": len(f.Segments), "fragments": len(f.Fragments)}).Debug("source: parsed")
	return Result{File: f}, nil
}

// resolve finds the first existing file for path, trying base (the
// including file's directory) before the configured search path.
func (l *Loader) resolve(base, path string) (string, error) {
	if filepath.IsAbs(path) {
		if fileExists(path) {
			return path, nil
		}
		return "", errs.New(errs.FileNotFound, errs.Location{File: path}, "file not found: %q", path)
	}
	candidates := make([]string, 0, len(l.SearchPath)+1)
	if base != "" {
		candidates = append(candidates, base)
	}
	candidates = append(candidates, l.SearchPath...)
	for _, dir := range candidates {
		full := filepath.Join(dir, path)
		if fileExists(full) {
			return full, nil
		}
	}
	return "", errs.New(errs.FileNotFound, errs.Location{File: path}, "file not found on search path: %q", path)
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
