// Package extension implements the ELFHex Extension Interface (spec
// §4.E): a size-then-render protocol that lets external byte-producers
// contribute segment content under a name resolved either from a fixed
// built-in namespace or from the module root.
package extension

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
)

// Program is the read-only view of the program snapshot an extension
// handle may consult while rendering: its declared byte order and a way
// to resolve another label's address. Implementations must be pure with
// respect to this snapshot (spec §4.E).
type Program interface {
	Endian() asm.Endian
	Resolve(segment, label string) (addr uint64, ok bool)
}

// Segment is the read-only view of the segment an invocation appears in.
type Segment struct {
	Name  string
	VAddr uint64
}

// Handle is the parsed, reusable result of one extension invocation. It
// is created once (at parse time) and queried twice: Size during layout,
// Render during emission, so its output must be deterministic across
// both calls.
type Handle interface {
	Size() int
	Render(p Program, s Segment) ([]byte, error)
}

// Extension turns an invocation's raw text into a Handle.
type Extension interface {
	Parse(text string) (Handle, error)
}

// Registry resolves a dotted extension name to an Extension, either from
// the fixed built-in namespace (Builtin=true in the source, `::name`) or
// from the module root (`:name`).
type Registry struct {
	builtins map[string]Extension
	module   map[string]Extension
}

// NewRegistry creates an empty registry with the standard built-ins
// registered (see builtin.go).
func NewRegistry() *Registry {
	r := &Registry{
		builtins: make(map[string]Extension),
		module:   make(map[string]Extension),
	}
	registerBuiltins(r)
	return r
}

// RegisterBuiltin adds or replaces a built-in namespace extension.
func (r *Registry) RegisterBuiltin(name string, ext Extension) {
	r.builtins[name] = ext
}

// RegisterModule adds or replaces a module-root extension.
func (r *Registry) RegisterModule(name string, ext Extension) {
	r.module[name] = ext
}

// Resolve looks up name in the appropriate namespace and parses text into
// a Handle. Every call that finds the extension is logged with a fresh
// correlation id so repeated
// invocations of the same extension name can be told apart in
// diagnostics.
func (r *Registry) Resolve(name string, builtin bool, text string, line int) (Handle, error) {
	table := r.module
	if builtin {
		table = r.builtins
	}
	ext, ok := table[name]
	if !ok {
		return nil, errs.New(errs.UnknownExtension, errs.Location{Line: line}, "unknown extension %q (builtin=%v)", name, builtin)
	}
	corr := uuid.New()
	log.WithFields(log.Fields{"extension": name, "builtin": builtin, "correlation_id": corr.String()}).Debug("extension: parsing invocation")
	h, err := ext.Parse(text)
	if err != nil {
		return nil, errs.Wrap(errs.ExtensionParseError, errs.Location{Line: line}, err, "extension %q failed to parse its invocation", name)
	}
	return h, nil
}
