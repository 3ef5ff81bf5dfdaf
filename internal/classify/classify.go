// Package classify maps source file extensions to the compiler that handles
// them and to the artifact each produces.
package classify

import (
	"path/filepath"
	"strings"
)

// Kind is the output family of a source file.
type Kind string

const (
	Stylesheet Kind = "stylesheet"
	Script     Kind = "script"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == Stylesheet || k == Script
}

// Classification describes a recognized source file.
type Classification struct {
	Lang      string // compiler language: less, sass, scss, coffee
	Kind      Kind
	OutputExt string // ".css" or ".js"
}

var table = map[string]Classification{
	".less":   {Lang: "less", Kind: Stylesheet, OutputExt: ".css"},
	".sass":   {Lang: "sass", Kind: Stylesheet, OutputExt: ".css"},
	".scss":   {Lang: "scss", Kind: Stylesheet, OutputExt: ".css"},
	".coffee": {Lang: "coffee", Kind: Script, OutputExt: ".js"},
}

// Classify returns the classification of path, or false when path is not a
// compilable source file. Matching is case-insensitive on the extension.
func Classify(path string) (Classification, bool) {
	c, ok := table[strings.ToLower(filepath.Ext(path))]
	return c, ok
}

// IsSource reports whether path has a recognized source extension.
func IsSource(path string) bool {
	_, ok := Classify(path)
	return ok
}

// OutputExt returns the required output extension for kind, or "" for an
// unknown kind.
func OutputExt(kind Kind) string {
	switch kind {
	case Stylesheet:
		return ".css"
	case Script:
		return ".js"
	default:
		return ""
	}
}

// ValidOutput reports whether outputPath carries the extension kind requires.
func ValidOutput(kind Kind, outputPath string) bool {
	want := OutputExt(kind)
	return want != "" && strings.EqualFold(filepath.Ext(outputPath), want)
}

// DefaultOutputPath swaps the source extension for the kind's output
// extension, keeping the directory. Unrecognized paths are returned unchanged.
func DefaultOutputPath(sourcePath string) string {
	c, ok := Classify(sourcePath)
	if !ok {
		return sourcePath
	}
	return strings.TrimSuffix(sourcePath, filepath.Ext(sourcePath)) + c.OutputExt
}

// Extensions returns the recognized source extensions.
func Extensions() []string {
	exts := make([]string, 0, len(table))
	for ext := range table {
		exts = append(exts, ext)
	}
	return exts
}
