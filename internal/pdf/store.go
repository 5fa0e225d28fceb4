package pdf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/helixir/literature-pipeline/internal/domain"
)

// Report file names written into a project directory.
const (
	PrismaFlowFile   = "prisma_flow.pdf"
	ForestPlotFile   = "forest_plot.pdf"
	ATNHistogramFile = "atn_scores.pdf"
	StudyTypesFile   = "study_types.pdf"
)

// Store lays out project files under a root directory:
// <root>/<project id>/<sanitized article id>.pdf for articles, and the report files
// next to them.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// ProjectDir returns the directory of a project.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.root, projectID)
}

// ArticlePath returns where the PDF of an article is stored.
func (s *Store) ArticlePath(projectID, articleID string) string {
	return filepath.Join(s.ProjectDir(projectID), domain.SanitizeFilename(articleID)+".pdf")
}

// ReportPath returns the path of a report file in the project directory.
func (s *Store) ReportPath(projectID, name string) string {
	return filepath.Join(s.ProjectDir(projectID), name)
}

// HasArticle reports whether the PDF of an article exists.
func (s *Store) HasArticle(projectID, articleID string) bool {
	info, err := os.Stat(s.ArticlePath(projectID, articleID))
	return err == nil && !info.IsDir()
}

// ArticlePDFs lists the article PDFs of a project, excluding generated reports, sorted
// by name. A missing project directory yields an empty list.
func (s *Store) ArticlePDFs(projectID string) ([]string, error) {
	entries, err := os.ReadDir(s.ProjectDir(projectID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list project pdfs: %w", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".pdf") || isReport(name) {
			continue
		}
		paths = append(paths, filepath.Join(s.ProjectDir(projectID), name))
	}
	sort.Strings(paths)
	return paths, nil
}

// WriteFile writes data atomically to path, creating parent directories.
func (s *Store) WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// RemoveProject deletes the project directory and everything in it.
func (s *Store) RemoveProject(projectID string) error {
	if projectID == "" || strings.ContainsAny(projectID, `/\`) || projectID == ".." {
		return domain.NewValidationError("project_id", "invalid project id")
	}
	return os.RemoveAll(s.ProjectDir(projectID))
}

// ArticleIDFromPath returns the sanitized article id a stored PDF was saved under.
func ArticleIDFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func isReport(name string) bool {
	switch name {
	case PrismaFlowFile, ForestPlotFile, ATNHistogramFile, StudyTypesFile:
		return true
	}
	return false
}
