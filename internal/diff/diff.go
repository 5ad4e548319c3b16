// Package diff parses unified diffs and reads them out of git.
package diff

import (
	"fmt"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
)

// File is one file of a parsed diff.
type File struct {
	OldName      string
	NewName      string
	IsNew        bool
	IsDeleted    bool
	IsRenamed    bool
	IsBinary     bool
	Fragments    []*gitdiff.TextFragment
	AddedLines   int
	DeletedLines int
}

// Name returns the path the file has after the change, or its old path if
// it was deleted.
func (f *File) Name() string {
	if f.IsDeleted || f.NewName == "" {
		return f.OldName
	}
	return f.NewName
}

// Line is one added or removed line with its line number on that side.
type Line struct {
	Number int
	Text   string
}

// Added returns the added lines with their new-file line numbers.
func (f *File) Added() []Line {
	return f.walk(gitdiff.OpAdd)
}

// Deleted returns the removed lines with their old-file line numbers.
func (f *File) Deleted() []Line {
	return f.walk(gitdiff.OpDelete)
}

func (f *File) walk(op gitdiff.LineOp) []Line {
	var out []Line
	for _, frag := range f.Fragments {
		n := int(frag.NewPosition)
		if op == gitdiff.OpDelete {
			n = int(frag.OldPosition)
		}
		for _, line := range frag.Lines {
			if line.Op == op {
				out = append(out, Line{Number: n, Text: strings.TrimRight(line.Line, "\n")})
			}
			// Context lines advance both sides; the other side's lines advance neither.
			if line.Op == op || line.Op == gitdiff.OpContext {
				n++
			}
		}
	}
	return out
}

// Set holds every file of a diff.
type Set struct {
	Files []*File
	Raw   string
}

// Stats returns aggregate statistics.
func (s *Set) Stats() (files, added, deleted int) {
	files = len(s.Files)
	for _, f := range s.Files {
		added += f.AddedLines
		deleted += f.DeletedLines
	}
	return
}

// Paths lists file names in diff order.
func (s *Set) Paths() []string {
	out := make([]string, 0, len(s.Files))
	for _, f := range s.Files {
		out = append(out, f.Name())
	}
	return out
}

// Parse reads a unified diff.
func Parse(raw string) (*Set, error) {
	parsed, _, err := gitdiff.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	s := &Set{Raw: raw}
	for _, p := range parsed {
		f := &File{
			OldName:   p.OldName,
			NewName:   p.NewName,
			IsNew:     p.IsNew,
			IsDeleted: p.IsDelete,
			IsRenamed: p.IsRename,
			IsBinary:  p.IsBinary,
			Fragments: p.TextFragments,
		}
		for _, frag := range p.TextFragments {
			f.AddedLines += int(frag.LinesAdded)
			f.DeletedLines += int(frag.LinesDeleted)
		}
		s.Files = append(s.Files, f)
	}
	return s, nil
}
