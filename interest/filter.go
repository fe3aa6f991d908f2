// Package interest decides which archive entries are worth extracting.
//
// The filter is the single point of policy: adding a new "interesting"
// category means adding a pattern here and nowhere else. Matching is pure and
// does no I/O, so it is safe to call on every entry of a hostile archive.
package interest

import "strings"

// Pattern matches a single filename component, case-insensitively.
//
// A pattern is either an exact name ("setup.py") or a prefix glob ending in
// '*' ("LICENSE*"). Directory structure is never part of a Pattern; where a
// file may sit is governed by the filter's depth rules.
type Pattern string

// Match reports whether the filename matches the pattern. The filename must
// already be lower-cased by the caller.
func (p Pattern) Match(lowerName string) bool {
	s := string(p)
	if strings.HasSuffix(s, "*") {
		return strings.HasPrefix(lowerName, strings.ToLower(s[:len(s)-1]))
	}
	return lowerName == strings.ToLower(s)
}

// DefaultPatterns is the stock set of interesting filenames: package
// metadata, licensing, documentation entry points and build descriptors.
var DefaultPatterns = []Pattern{
	"METADATA",
	"PKG-INFO",
	"LICENSE*",
	"LICENCE*",
	"COPYING*",
	"README*",
	"setup.py",
	"setup.cfg",
	"pyproject.toml",
}

// Filter selects interesting entries by path.
//
// The zero Filter matches nothing; use New or Default.
type Filter struct {
	patterns []Pattern
}

// New builds a filter from an explicit pattern set.
func New(patterns []Pattern) *Filter {
	f := &Filter{patterns: make([]Pattern, len(patterns))}
	copy(f.patterns, patterns)
	return f
}

// Default returns a filter using DefaultPatterns.
func Default() *Filter {
	return New(DefaultPatterns)
}

// Interesting reports whether the entry at path should be extracted.
//
// Rules, in order:
//   - paths with "..", absolute paths and empty paths are never interesting,
//     regardless of patterns;
//   - any file inside a "*.dist-info/" or "*-info/" directory is interesting
//     (wheel and egg metadata directories);
//   - a file whose name matches a pattern is interesting at the archive root
//     or one level below it (sdists nest everything under a single
//     name-version/ directory).
//
// Filename matching is case-insensitive; directory names are compared
// case-sensitively.
func (f *Filter) Interesting(path string) bool {
	if !validEntryPath(path) {
		return false
	}

	components := strings.Split(path, "/")
	name := components[len(components)-1]
	if name == "" {
		return false
	}

	for _, dir := range components[:len(components)-1] {
		if isMetadataDir(dir) {
			return true
		}
	}

	if len(components) > 2 {
		return false
	}
	lower := strings.ToLower(name)
	for _, p := range f.patterns {
		if p.Match(lower) {
			return true
		}
	}
	return false
}

// validEntryPath rejects traversal and otherwise malformed archive paths.
func validEntryPath(path string) bool {
	if path == "" || strings.HasPrefix(path, "/") {
		return false
	}
	if strings.Contains(path, "\\") {
		return false
	}
	for _, c := range strings.Split(path, "/") {
		if c == ".." || c == "." {
			return false
		}
	}
	return true
}

// isMetadataDir reports whether a directory component names a metadata
// directory. The suffix check is case-sensitive: wheels spell ".dist-info"
// exactly, and eggs use "EGG-INFO" which the "-info" fold below would miss,
// so it is listed explicitly.
func isMetadataDir(dir string) bool {
	switch {
	case strings.HasSuffix(dir, ".dist-info"):
		return true
	case strings.HasSuffix(dir, ".egg-info"):
		return true
	case dir == "EGG-INFO":
		return true
	case strings.HasSuffix(dir, "-info"):
		return true
	default:
		return false
	}
}
