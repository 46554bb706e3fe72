// Package loader resolves LogicalPaths to mudlib source files, drives the
// Compiler, and installs the result into the Registry — LoadObject,
// CloneObject, ReloadObject, and Preload from spec.md §4.3.
package loader

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mudforge/driver/internal/domain"
	"github.com/mudforge/driver/internal/infra/compiler"
	"github.com/mudforge/driver/internal/infra/registry"
)

// Loader resolves LogicalPaths against a mudlib root directory, compiles
// them, and installs the result as a Blueprint in the Registry. It keeps its
// own cache of which paths have been loaded so LoadObject is idempotent and
// ReloadObject/cache-busting has a single place to invalidate.
type Loader struct {
	mudlibRoot string
	compiler   *compiler.Compiler
	registry   *registry.Registry

	mu     sync.Mutex
	loaded map[domain.LogicalPath]struct{}
}

// New returns a Loader rooted at mudlibRoot, compiling through c and
// installing into reg.
func New(mudlibRoot string, c *compiler.Compiler, reg *registry.Registry) *Loader {
	return &Loader{
		mudlibRoot: strings.TrimSuffix(mudlibRoot, "/"),
		compiler:   c,
		registry:   reg,
		loaded:     make(map[domain.LogicalPath]struct{}),
	}
}

// LoadObject compiles and registers the Blueprint at path if it is not
// already loaded. It is a no-op (success) if the Blueprint already exists —
// callers that want to force recompilation call ReloadObject instead.
func (l *Loader) LoadObject(path domain.LogicalPath) (*registry.Blueprint, error) {
	l.mu.Lock()
	_, already := l.loaded[path]
	l.mu.Unlock()

	if already {
		return l.registry.Find(path)
	}

	unit, err := l.compiler.Transform(path, l.mudlibRoot)
	if err != nil {
		return nil, err
	}

	bp, err := l.registry.RegisterBlueprint(unit)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.loaded[path] = struct{}{}
	l.mu.Unlock()
	return bp, nil
}

// CloneObject ensures the Blueprint at path is loaded, then clones it. This
// is the entry point game code and the Efun Bridge use for `new_object`-type
// efuns (spec.md §4.3's load-then-clone convenience).
func (l *Loader) CloneObject(path domain.LogicalPath) (*registry.Clone, error) {
	if _, err := l.LoadObject(path); err != nil {
		return nil, err
	}
	return l.registry.Clone(path)
}

// ReloadObject busts the Loader's cache for path and recompiles it,
// rebinding the Blueprint's methods via Registry.UpdateBlueprint so every
// existing Clone observes the new code immediately (spec.md §4.2/§4.3).
func (l *Loader) ReloadObject(path domain.LogicalPath) error {
	unit, err := l.compiler.Transform(path, l.mudlibRoot)
	if err != nil {
		return err
	}

	l.mu.Lock()
	_, already := l.loaded[path]
	l.mu.Unlock()

	if !already {
		if _, err := l.registry.RegisterBlueprint(unit); err != nil {
			return err
		}
		l.mu.Lock()
		l.loaded[path] = struct{}{}
		l.mu.Unlock()
		return nil
	}

	if err := l.registry.UpdateBlueprint(unit); err != nil {
		return fmt.Errorf("reload %s: %w", path, err)
	}
	return nil
}

// Preload walks subtree (relative to the mudlib root, e.g. "/lib" or "/")
// and loads every ".lua" file it finds, in lexical path order, so modules
// that expect their dependencies already loaded by the time driver startup
// reaches them can rely on a deterministic order (spec.md §4.3 and §4.7's
// boot sequencing). A file that fails to load does not stop the rest; every
// failure is returned together once all files have been tried.
func (l *Loader) Preload(subtree string) error {
	var paths []domain.LogicalPath

	root := filepath.Join(l.mudlibRoot, subtree)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, ".lua") {
			return nil
		}
		rel, err := filepath.Rel(l.mudlibRoot, p)
		if err != nil {
			return err
		}
		logical, err := domain.NormalizePath("/" + strings.TrimSuffix(rel, ".lua"))
		if err != nil {
			return err
		}
		paths = append(paths, logical)
		return nil
	})
	if err != nil {
		return &domain.HostIOError{Path: root, Err: err}
	}

	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	var errs []error
	for _, p := range paths {
		if _, err := l.LoadObject(p); err != nil {
			errs = append(errs, fmt.Errorf("preload %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// IsLoaded reports whether path currently has a cached Blueprint entry.
func (l *Loader) IsLoaded(path domain.LogicalPath) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[path]
	return ok
}
