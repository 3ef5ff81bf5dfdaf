// Package project defines the project and file records tracked by precomp and
// their persisted document form.
package project

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"precomp/internal/classify"
	"precomp/internal/paths"
)

// Status is the outcome of the most recent build of a file.
type Status string

const (
	StatusUnbuilt Status = "unbuilt"
	StatusOK      Status = "ok"
	StatusError   Status = "error"
)

// fileNamespace scopes path-derived file IDs.
var fileNamespace = uuid.MustParse("8f0c54a2-3b7e-5d1c-9a4e-2f6b8d0c1e37")

// FileID returns the stable identifier for a source path. The same cleaned
// absolute path always yields the same ID.
func FileID(sourcePath string) string {
	return uuid.NewSHA1(fileNamespace, []byte(filepath.Clean(sourcePath))).String()
}

// NewProjectID returns a fresh random project identifier.
func NewProjectID() string {
	return uuid.New().String()
}

// FileRecord holds the compile configuration and last build state of one
// source file.
type FileRecord struct {
	ID             string        `json:"id"`
	SourcePath     string        `json:"sourcePath"`
	Kind           classify.Kind `json:"kind"`
	Lang           string        `json:"lang"`
	OutputPath     string        `json:"outputPath"` // empty means default
	CompileEnabled bool          `json:"compileEnabled"`
	LastStatus     Status        `json:"lastStatus"`
	LastError      string        `json:"lastError,omitempty"`
	LastBuiltAt    *time.Time    `json:"lastBuiltAt,omitempty"`
	SourceHash     string        `json:"sourceHash,omitempty"`
}

// NewFileRecord builds a record with default settings for sourcePath, or
// returns false when the path is not a compilable source.
func NewFileRecord(sourcePath string) (*FileRecord, bool) {
	c, ok := classify.Classify(sourcePath)
	if !ok {
		return nil, false
	}
	clean := filepath.Clean(sourcePath)
	return &FileRecord{
		ID:             FileID(clean),
		SourcePath:     clean,
		Kind:           c.Kind,
		Lang:           c.Lang,
		CompileEnabled: true,
		LastStatus:     StatusUnbuilt,
	}, true
}

// Clone returns a deep copy of r.
func (r *FileRecord) Clone() *FileRecord {
	c := *r
	if r.LastBuiltAt != nil {
		t := *r.LastBuiltAt
		c.LastBuiltAt = &t
	}
	return &c
}

// Project is a registered root directory and the source files found in it.
type Project struct {
	ID       string
	RootPath string
	AddedAt  time.Time
	Settings Settings
	Files    map[string]*FileRecord
}

// New creates an empty project rooted at rootPath.
func New(rootPath string) *Project {
	return &Project{
		ID:       NewProjectID(),
		RootPath: filepath.Clean(rootPath),
		AddedAt:  time.Now().UTC(),
		Files:    make(map[string]*FileRecord),
	}
}

// Clone returns a deep copy of p.
func (p *Project) Clone() *Project {
	c := *p
	c.Settings = p.Settings.Clone()
	c.Files = make(map[string]*FileRecord, len(p.Files))
	for id, rec := range p.Files {
		c.Files[id] = rec.Clone()
	}
	return &c
}

// SortedFiles returns the file records ordered by source path.
func (p *Project) SortedFiles() []*FileRecord {
	files := make([]*FileRecord, 0, len(p.Files))
	for _, rec := range p.Files {
		files = append(files, rec)
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].SourcePath < files[j].SourcePath
	})
	return files
}

// FileByPath finds the record for sourcePath.
func (p *Project) FileByPath(sourcePath string) (*FileRecord, bool) {
	rec, ok := p.Files[FileID(sourcePath)]
	return rec, ok
}

// ResolveOutput returns the target a build of rec writes to: the explicit
// override, else the first settings mapping covering the source, else the
// source path with the kind's output extension.
func (p *Project) ResolveOutput(rec *FileRecord) string {
	if rec.OutputPath != "" {
		return rec.OutputPath
	}
	for _, m := range p.Settings.Mappings {
		srcDir := paths.JoinRootPath(p.RootPath, m.Source)
		if !paths.IsWithinRoot(rec.SourcePath, srcDir) {
			continue
		}
		rel, err := filepath.Rel(srcDir, rec.SourcePath)
		if err != nil {
			continue
		}
		mirrored := filepath.Join(paths.JoinRootPath(p.RootPath, m.Output), rel)
		return classify.DefaultOutputPath(mirrored)
	}
	return classify.DefaultOutputPath(rec.SourcePath)
}

// document is the persisted layout of a project.
type document struct {
	ID       string        `json:"id"`
	RootPath string        `json:"rootPath"`
	AddedAt  time.Time     `json:"addedAt"`
	Settings *Settings     `json:"settings,omitempty"`
	Files    []*FileRecord `json:"files"`
}

// MarshalJSON encodes the project with its files as a path-ordered list.
func (p *Project) MarshalJSON() ([]byte, error) {
	doc := document{
		ID:       p.ID,
		RootPath: p.RootPath,
		AddedAt:  p.AddedAt,
		Files:    p.SortedFiles(),
	}
	if !p.Settings.IsZero() {
		s := p.Settings
		doc.Settings = &s
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes and validates a persisted project document.
func (p *Project) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if strings.TrimSpace(doc.ID) == "" {
		return fmt.Errorf("project document without id")
	}
	if doc.RootPath == "" {
		return fmt.Errorf("project %s has no root path", doc.ID)
	}

	files := make(map[string]*FileRecord, len(doc.Files))
	for i, rec := range doc.Files {
		if rec == nil || rec.ID == "" || rec.SourcePath == "" {
			return fmt.Errorf("project %s: file #%d is incomplete", doc.ID, i)
		}
		if !rec.Kind.Valid() {
			return fmt.Errorf("project %s: file %s has unknown kind %q", doc.ID, rec.ID, rec.Kind)
		}
		if _, dup := files[rec.ID]; dup {
			return fmt.Errorf("project %s: duplicate file id %s", doc.ID, rec.ID)
		}
		if rec.LastStatus == "" {
			rec.LastStatus = StatusUnbuilt
		}
		files[rec.ID] = rec
	}

	*p = Project{
		ID:       doc.ID,
		RootPath: doc.RootPath,
		AddedAt:  doc.AddedAt,
		Files:    files,
	}
	if doc.Settings != nil {
		p.Settings = *doc.Settings
	}
	return nil
}
