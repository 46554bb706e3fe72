// Package compiler turns mudlib source text into something the registry and
// loader can install: either a single compiled chunk (Transform mode) or a
// bundle of chunks sharing one namespace (Bundle mode), per spec.md §4.1.
//
// Game code is hosted as Lua, executed by an embedded gopher-lua VM (see
// SPEC_FULL.md §2). Compile failures are returned as *domain.CompileError
// rather than a bare error string, so the driver and any admin tooling can
// point at the exact failing line.
package compiler

import (
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/mudforge/driver/internal/domain"
)

// Mode selects how source is parsed: Transform compiles one file to one
// chunk; Bundle concatenates several files into one chunk, each between
// begin/end marker comments, so later files see the globals earlier files
// define (used for admin tooling that
// wants to compile a whole directory in one pass, spec.md §4.1).
type Mode int

const (
	ModeTransform Mode = iota
	ModeBundle
)

// CompiledUnit is a successfully compiled chunk, ready for the loader to
// instantiate against a fresh Lua table (spec.md §4.3's "class selection").
type CompiledUnit struct {
	Path       domain.LogicalPath
	Proto      *lua.FunctionProto
	SourceMap  []int // chunk line → original source line; compileSource leaves it nil
}

// Compiler wraps gopher-lua's parser/compiler. It holds no VM state itself —
// compilation produces a FunctionProto that the loader later runs against
// the shared *lua.LState — so a Compiler is safe to use from any goroutine
// even though only one goroutine (the scheduler) ever touches the LState.
type Compiler struct{}

// New returns a ready-to-use Compiler.
func New() *Compiler { return &Compiler{} }

// Transform compiles a single mudlib source file into one CompiledUnit.
func (c *Compiler) Transform(path domain.LogicalPath, mudlibRoot string) (*CompiledUnit, error) {
	file := mudlibRoot + path.File()
	src, err := os.ReadFile(file)
	if err != nil {
		return nil, &domain.HostIOError{Path: file, Err: err}
	}
	return c.compileSource(path, file, string(src))
}

// Bundle compiles several mudlib source files as one logical unit, in the
// order given, so later files may reference globals earlier files define.
// The resulting CompiledUnit's Path is the first path in paths; this mode
// exists for admin tooling that preloads a whole subtree as one chunk
// (spec.md §4.1's bundle mode), not for normal per-object loading.
func (c *Compiler) Bundle(paths []domain.LogicalPath, mudlibRoot string) (*CompiledUnit, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: bundle requires at least one path", domain.ErrCompileFailed)
	}

	var sb strings.Builder
	for _, p := range paths {
		file := mudlibRoot + p.File()
		src, err := os.ReadFile(file)
		if err != nil {
			return nil, &domain.HostIOError{Path: file, Err: err}
		}
		sb.WriteString("-- begin ")
		sb.WriteString(string(p))
		sb.WriteString("\n")
		sb.Write(src)
		sb.WriteString("\n-- end ")
		sb.WriteString(string(p))
		sb.WriteString("\n")
	}

	return c.compileSource(paths[0], "bundle:"+string(paths[0]), sb.String())
}

func (c *Compiler) compileSource(path domain.LogicalPath, chunkName, src string) (*CompiledUnit, error) {
	chunk, err := lua.Parse(strings.NewReader(src), chunkName)
	if err != nil {
		return nil, parseErrorToCompileError(path, chunkName, src, err)
	}

	proto, err := lua.Compile(chunk, chunkName)
	if err != nil {
		return nil, parseErrorToCompileError(path, chunkName, src, err)
	}

	return &CompiledUnit{Path: path, Proto: proto}, nil
}

// parseErrorToCompileError extracts line/column information out of
// gopher-lua's parse error text (it does not expose structured positions
// for every failure mode) and pairs it with the offending source line.
func parseErrorToCompileError(path domain.LogicalPath, chunkName, src string, cause error) *domain.CompileError {
	ce := &domain.CompileError{
		File: chunkName,
		Err:  fmt.Errorf("%w: %v", domain.ErrCompileFailed, cause),
	}

	line := extractLine(cause.Error())
	if line > 0 {
		ce.Line = line
		lines := strings.Split(src, "\n")
		if line-1 >= 0 && line-1 < len(lines) {
			ce.LineText = lines[line-1]
		}
	}
	return ce
}

// extractLine returns the first integer that directly follows a colon in a
// gopher-lua error message (the N of "line:N(column:M)"); returns 0 if none
// is found.
func extractLine(msg string) int {
	idx := strings.Index(msg, ":")
	for idx >= 0 {
		rest := msg[idx+1:]
		n, ok := leadingInt(rest)
		if ok {
			return n
		}
		next := strings.Index(rest, ":")
		if next < 0 {
			break
		}
		idx = idx + 1 + next
	}
	return 0
}

func leadingInt(s string) (int, bool) {
	i := 0
	for i < len(s) && s[i] == ' ' {
		i++
	}
	start := i
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == start {
		return 0, false
	}
	n := 0
	for _, ch := range s[start:i] {
		n = n*10 + int(ch-'0')
	}
	return n, true
}
