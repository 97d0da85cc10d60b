// Package transform implements the ELFHex Transformer (spec §4.C): it
// lowers a merged program into a fully expanded one by recursively
// expanding fragment references, substituting parameters, hygienically
// mangling local labels, and honouring once-only call sites.
package transform

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
)

// Expand lowers merged into a fully expanded program. maxFragmentDepth
// bounds the longest chain of nested fragment expansions (depth 0 is a
// fragment referenced directly from a segment body); exceeding it is
// ExpansionTooDeep.
func Expand(merged *asm.Merged, maxFragmentDepth int) (*asm.Expanded, error) {
	e := &expander{
		fragments: merged.Fragments,
		maxDepth:  maxFragmentDepth,
		onceSet:   make(map[string]bool),
	}

	out := &asm.Expanded{Decl: merged.Decl}
	for _, seg := range merged.Segments {
		root := &ctx{isRoot: true}
		elems, err := e.expandElements(seg.Elements, root, 0)
		if err != nil {
			return nil, err
		}
		finalizeRefs(elems, seg.Name)
		if err := checkUniqueLabels(elems, seg.Name); err != nil {
			return nil, err
		}
		out.Segments = append(out.Segments, &asm.ExpandedSegment{
			Name:       seg.Name,
			Flags:      seg.Flags,
			Size:       seg.Size,
			Align:      seg.Align,
			Elements:   elems,
			AutoLabels: append([]asm.AutoLabel(nil), seg.AutoLabels...),
		})
		log.WithFields(log.Fields{"segment": seg.Name, "elements": len(elems)}).Debug("transform: expanded segment")
	}
	return out, nil
}

// ctx is the hygiene/substitution context active while expanding a
// sequence of elements. The root context (isRoot) represents a segment's
// own body, outside any fragment expansion: no mangling applies there at
// all, even to names that look local. Every context entered by expanding
// a fragment's body carries a concrete aliasPrefix (either the call
// site's alias, or a fresh "__<instance>" token) used to mangle local
// names, and (when the call site supplied an alias) every other name.
type ctx struct {
	isRoot      bool
	aliasPrefix string
	hasAlias    bool
	params      map[string]argBinding
}

// argBinding records a fragment-call argument together with the context
// it must be expanded in — the caller's context, per spec §4.C point 4:
// arguments are substituted "in the caller's context", not the callee's.
type argBinding struct {
	elems []asm.Element
	ctx   *ctx
	depth int
}

type expander struct {
	fragments map[string]*asm.Fragment
	maxDepth  int
	onceSet   map[string]bool
	instance  int
}

func (e *expander) nextInstance() int {
	e.instance++
	return e.instance
}

// expandElements expands a body (a fragment's or a segment's) under ctx
// at the given nesting depth, returning the fully substituted element
// sequence. ByteLiteral, PaddedLiteral, and ExtInvocation elements always
// pass through unchanged; Label/RelativeRef/AbsoluteRef are mangled per
// ctx; ParamRef is substituted; FragmentRef is expanded recursively.
func (e *expander) expandElements(elems []asm.Element, c *ctx, depth int) ([]asm.Element, error) {
	var out []asm.Element
	for _, el := range elems {
		switch v := el.(type) {
		case asm.ByteLiteral, asm.PaddedLiteral, asm.ExtInvocation:
			out = append(out, v)
		case asm.Label:
			v.Name = mangleName(v.Name, c)
			out = append(out, v)
		case asm.RelativeRef:
			v.Label = mangleName(v.Label, c)
			out = append(out, v)
		case asm.AbsoluteRef:
			v.Label = mangleName(v.Label, c)
			out = append(out, v)
		case asm.ParamRef:
			bind, ok := c.params[v.Name]
			if !ok {
				return nil, errs.New(errs.UnresolvedParameter, errs.Location{Line: v.Line},
					"parameter %q is not bound here", v.Name)
			}
			sub, err := e.expandElements(bind.elems, bind.ctx, bind.depth)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		case asm.FragmentRef:
			sub, err := e.expandFragmentRef(v, c, depth)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		default:
			return nil, errs.New(errs.ParseError, errs.Location{}, "unexpected element type %T", el)
		}
	}
	return out, nil
}

func (e *expander) expandFragmentRef(fr asm.FragmentRef, callerCtx *ctx, depth int) ([]asm.Element, error) {
	if depth > e.maxDepth {
		return nil, errs.New(errs.ExpansionTooDeep, errs.Location{Line: fr.Line},
			"fragment expansion nests deeper than the maximum of %d", e.maxDepth)
	}
	frag, ok := e.fragments[fr.Name]
	if !ok {
		return nil, errs.New(errs.UnknownFragment, errs.Location{Line: fr.Line}, "unknown fragment %q", fr.Name)
	}
	if len(fr.Args) != len(frag.Params) {
		return nil, errs.New(errs.ArityError, errs.Location{Line: fr.Line},
			"fragment %q takes %d argument(s), got %d", fr.Name, len(frag.Params), len(fr.Args))
	}
	if fr.Once {
		if e.onceSet[fr.Name] {
			return nil, nil
		}
		e.onceSet[fr.Name] = true
	}

	token := e.nextInstance()
	child := &ctx{params: make(map[string]argBinding, len(frag.Params))}
	if fr.HasAlias {
		child.aliasPrefix = fr.Alias
		child.hasAlias = true
	} else {
		child.aliasPrefix = "__" + itoa(token)
		child.hasAlias = false
	}
	for i, name := range frag.Params {
		child.params[name] = argBinding{elems: fr.Args[i], ctx: callerCtx, depth: depth}
	}

	log.WithFields(log.Fields{
		"fragment": fr.Name, "instance": token, "alias": fr.Alias, "once": fr.Once, "depth": depth,
	}).Debug("transform: expanding fragment reference")

	return e.expandElements(frag.Elements, child, depth+1)
}

// mangleName applies the spec §4.C hygiene rule for a single name inside
// the element currently being expanded under ctx.
func mangleName(name string, c *ctx) string {
	if c.isRoot {
		return name
	}
	if strings.HasPrefix(name, "__") {
		return c.aliasPrefix + "." + name
	}
	if c.hasAlias {
		return c.aliasPrefix + "." + name
	}
	return name
}

// finalizeRefs resolves reference widths and cross-segment qualifiers
// textually (spec §4.C): an unqualified reference means "my own segment",
// and an unspecified relative width defaults to 1.
func finalizeRefs(elems []asm.Element, segName string) {
	for i, el := range elems {
		switch v := el.(type) {
		case asm.RelativeRef:
			if !v.SegmentSet {
				v.Segment = segName
				v.SegmentSet = true
			}
			if v.Width == 0 {
				v.Width = 1
			}
			elems[i] = v
		case asm.AbsoluteRef:
			if !v.SegmentSet {
				v.Segment = segName
				v.SegmentSet = true
			}
			elems[i] = v
		}
	}
}

// checkUniqueLabels enforces that every label name in a segment is
// unique after expansion (spec §3 Invariants). spec.md names no distinct
// error kind for a bare duplicate declaration, so this reuses
// AmbiguousLabel — the kind it would otherwise surface as soon as any
// reference targeted the duplicated name (see DESIGN.md).
func checkUniqueLabels(elems []asm.Element, segName string) error {
	seen := make(map[string]int, len(elems))
	for _, el := range elems {
		lbl, ok := el.(asm.Label)
		if !ok {
			continue
		}
		if line, dup := seen[lbl.Name]; dup {
			return errs.New(errs.AmbiguousLabel, errs.Location{Line: lbl.Line},
				"label %q declared more than once in segment %q (first at line %d)", lbl.Name, segName, line)
		}
		seen[lbl.Name] = lbl.Line
	}
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
