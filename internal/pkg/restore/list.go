// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package restore copies preserved state from a backup root into a new root.
package restore

import (
	"regexp"

	"github.com/ryanuber/go-glob"
)

// Entry is one item of a restore list: File, Rename or Dir.
type Entry interface {
	entry()
}

// File restores a path to the same location.
type File string

// Rename restores Src to Dst.
type Rename struct {
	Src string
	Dst string
}

// Dir restores the immediate children of a directory accepted by Match.
//
// A nil Match accepts every child.
type Dir struct {
	Path  string
	Match Matcher
}

func (File) entry()   {}
func (Rename) entry() {}
func (Dir) entry()    {}

// Matcher is a predicate over a path relative to the root.
type Matcher func(path string) bool

// MatchRegexp matches paths against a regular expression anchored at the start.
func MatchRegexp(expr string) Matcher {
	re := regexp.MustCompile(`^(?:` + expr + `)`)

	return re.MatchString
}

// MatchGlob matches paths against a pattern where * matches any sequence.
func MatchGlob(pattern string) Matcher {
	return func(path string) bool {
		return glob.Glob(pattern, path)
	}
}

// List is an ordered restore list.
//
// Order is significant: a later entry overwrites what an earlier one restored
// at the same destination.
type List struct {
	entries []Entry
}

// Files appends plain files.
func (l *List) Files(paths ...string) *List {
	for _, p := range paths {
		l.entries = append(l.entries, File(p))
	}

	return l
}

// Rename appends a file restored under a new path.
func (l *List) Rename(src, dst string) *List {
	l.entries = append(l.entries, Rename{Src: src, Dst: dst})

	return l
}

// Dir appends the children of path accepted by match.
func (l *List) Dir(path string, match Matcher) *List {
	l.entries = append(l.entries, Dir{Path: path, Match: match})

	return l
}

// Entries returns the entries in order.
func (l *List) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *List) Len() int {
	return len(l.entries)
}
