// Package preprocess implements the ELFHex Preprocessor (spec §4.B): it
// resolves includes depth-first starting at an entry file, checks program
// declaration compatibility, merges same-named segments in the order
// they first appear, and unions the fragment table.
package preprocess

import (
	"path/filepath"

	log "github.com/sirupsen/logrus"

	"moria.us/elfhex/asm"
	"moria.us/elfhex/errs"
	"moria.us/elfhex/source"
)

// Loader is the subset of *source.Loader the preprocessor depends on.
type Loader interface {
	Load(base, path string) (source.Result, error)
}

// Merge runs the full include-resolution/merge algorithm starting at
// entryPath and returns the merged program. maxIncludeDepth bounds the
// longest chain of nested includes; exceeding it is treated the same as
// an over-deep fragment expansion (errs.ExpansionTooDeep) since spec.md
// names no distinct error kind for it — see DESIGN.md.
func Merge(entryPath string, loader Loader, maxIncludeDepth int) (*asm.Merged, error) {
	st := &mergeState{
		loader:   loader,
		maxDepth: maxIncludeDepth,
		merged: &asm.Merged{
			SegmentIdx: make(map[string]*asm.Segment),
			Fragments:  make(map[string]*asm.Fragment),
		},
	}
	if err := st.visit("", entryPath, false, 0); err != nil {
		return nil, err
	}
	if !st.declSet {
		return nil, errs.New(errs.FileNotFound, errs.Location{File: entryPath}, "no files were loaded")
	}
	return st.merged, nil
}

type mergeState struct {
	loader   Loader
	maxDepth int
	merged   *asm.Merged
	declSet  bool
}

func (st *mergeState) visit(base, path string, fragmentsOnly bool, depth int) error {
	if depth > st.maxDepth {
		return errs.New(errs.ExpansionTooDeep, errs.Location{File: path}, "include depth exceeds maximum of %d", st.maxDepth)
	}
	res, err := st.loader.Load(base, path)
	if err != nil {
		return err
	}
	if res.AlreadyLoaded {
		log.WithField("path", path).Debug("preprocess: include cycle/diamond, skipping already-loaded file")
		return nil
	}
	f := res.File
	dir := filepath.Dir(f.Path)

	if !st.declSet {
		st.merged.Decl = f.Decl
		st.declSet = true
	} else if f.Decl.Machine != st.merged.Decl.Machine || f.Decl.Endian != st.merged.Decl.Endian {
		return errs.New(errs.IncompatibleProgram, errs.Location{File: f.Path},
			"machine/endianness mismatch: file declares machine=%d endian=%s, program is machine=%d endian=%s",
			f.Decl.Machine, f.Decl.Endian, st.merged.Decl.Machine, st.merged.Decl.Endian)
	} else if f.Decl.Align > st.merged.Decl.Align {
		st.merged.Decl.Align = f.Decl.Align
	}

	for _, inc := range f.Includes {
		childFragmentsOnly := fragmentsOnly || inc.FragmentsOnly
		if err := st.visit(dir, inc.Path, childFragmentsOnly, depth+1); err != nil {
			return err
		}
	}

	if !fragmentsOnly {
		for _, seg := range f.Segments {
			if err := st.mergeSegment(seg); err != nil {
				return err
			}
		}
	}
	for _, frag := range f.Fragments {
		if err := st.mergeFragment(frag); err != nil {
			return err
		}
	}
	log.WithFields(log.Fields{"file": f.Path, "fragmentsOnly": fragmentsOnly}).Debug("preprocess: merged file")
	return nil
}

func (st *mergeState) mergeSegment(seg *asm.Segment) error {
	existing, ok := st.merged.SegmentIdx[seg.Name]
	if !ok {
		ns := &asm.Segment{
			Name:       seg.Name,
			Flags:      seg.Flags,
			FlagsSet:   seg.FlagsSet,
			Size:       seg.Size,
			Align:      seg.Align,
			Elements:   append([]asm.Element(nil), seg.Elements...),
			AutoLabels: append([]asm.AutoLabel(nil), seg.AutoLabels...),
			File:       seg.File,
			Line:       seg.Line,
		}
		st.merged.SegmentIdx[seg.Name] = ns
		st.merged.Segments = append(st.merged.Segments, ns)
		return nil
	}
	if seg.FlagsSet && existing.FlagsSet && seg.Flags != existing.Flags {
		return errs.New(errs.MetadataConflict, errs.Location{File: seg.File, Line: seg.Line},
			"segment %q: flags %s conflict with earlier declaration's %s", seg.Name, seg.Flags, existing.Flags)
	}
	if len(existing.AutoLabels) > 0 && len(seg.Elements) > 0 {
		return errs.New(errs.MetadataConflict, errs.Location{File: seg.File, Line: seg.Line},
			"segment %q: elements follow an auto-label list", seg.Name)
	}
	existing.Elements = append(existing.Elements, seg.Elements...)
	existing.AutoLabels = append(existing.AutoLabels, seg.AutoLabels...)
	return nil
}

func (st *mergeState) mergeFragment(frag *asm.Fragment) error {
	if _, ok := st.merged.Fragments[frag.Name]; ok {
		return errs.New(errs.FragmentRedefinition, errs.Location{File: frag.File, Line: frag.Line},
			"fragment %q is defined more than once", frag.Name)
	}
	st.merged.Fragments[frag.Name] = frag
	return nil
}
