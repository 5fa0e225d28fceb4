package pdf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_Paths(t *testing.T) {
	s := NewStore("/data/projects")

	assert.Equal(t, "/data/projects/p1", s.ProjectDir("p1"))
	assert.Equal(t, "/data/projects/p1/10.1000_xyz.pdf", s.ArticlePath("p1", "10.1000/xyz"))
	assert.Equal(t, "/data/projects/p1/prisma_flow.pdf", s.ReportPath("p1", PrismaFlowFile))
	assert.Equal(t, "10.1000_xyz", ArticleIDFromPath("/data/projects/p1/10.1000_xyz.pdf"))
}

func TestStore_WriteAndList(t *testing.T) {
	s := NewStore(t.TempDir())

	require.NoError(t, s.WriteFile(s.ArticlePath("p1", "12345678"), samplePDF))
	require.NoError(t, s.WriteFile(s.ArticlePath("p1", "2301.12345"), samplePDF))
	require.NoError(t, s.WriteFile(s.ReportPath("p1", PrismaFlowFile), samplePDF))
	require.NoError(t, os.WriteFile(filepath.Join(s.ProjectDir("p1"), "notes.txt"), []byte("x"), 0o644))

	assert.True(t, s.HasArticle("p1", "12345678"))
	assert.False(t, s.HasArticle("p1", "999"))

	paths, err := s.ArticlePDFs("p1")
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "12345678", ArticleIDFromPath(paths[0]))
	assert.Equal(t, "2301.12345", ArticleIDFromPath(paths[1]))

	content, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, samplePDF, content)

	none, err := s.ArticlePDFs("missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_RemoveProject(t *testing.T) {
	s := NewStore(t.TempDir())
	require.NoError(t, s.WriteFile(s.ArticlePath("p1", "1"), samplePDF))

	require.NoError(t, s.RemoveProject("p1"))
	_, err := os.Stat(s.ProjectDir("p1"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, s.RemoveProject("../etc"))
	assert.Error(t, s.RemoveProject(""))
}
