package pdf

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog"
)

var pageFileRe = regexp.MustCompile(`_Content_page_(\d+)\.txt$`)

// Extractor pulls the text of a PDF out of its page content streams with pdfcpu.
//
// Text drawn through custom font encodings without a ToUnicode map comes back as the
// raw glyph codes; such documents usually fall below the caller's minimum text length.
type Extractor struct {
	conf   *model.Configuration
	logger zerolog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger zerolog.Logger) *Extractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &Extractor{
		conf:   conf,
		logger: logger.With().Str("component", "pdf_extractor").Logger(),
	}
}

// ExtractText returns the normalized text of every page in path, pages separated by a
// blank line.
func (e *Extractor) ExtractText(ctx context.Context, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	outDir, err := os.MkdirTemp("", "litpipe-pdf-*")
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	if err := api.ExtractContentFile(path, outDir, nil, e.conf); err != nil {
		return "", fmt.Errorf("extract content of %s: %w", filepath.Base(path), err)
	}

	pages, err := readPageStreams(outDir)
	if err != nil {
		return "", err
	}

	texts := make([]string, 0, len(pages))
	for _, stream := range pages {
		if text := ContentStreamText(stream); text != "" {
			texts = append(texts, text)
		}
	}
	text := NormalizeText(strings.Join(texts, "\n\n"))
	e.logger.Debug().Str("path", path).Int("pages", len(pages)).Int("chars", len(text)).Msg("extracted pdf text")
	return text, nil
}

// readPageStreams returns the extracted content streams ordered by page number.
func readPageStreams(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read extracted content: %w", err)
	}

	type page struct {
		nr   int
		data string
	}
	var pages []page
	for _, entry := range entries {
		m := pageFileRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		nr, _ := strconv.Atoi(m[1])
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read page %d: %w", nr, err)
		}
		pages = append(pages, page{nr: nr, data: string(data)})
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i].nr < pages[j].nr })

	out := make([]string, len(pages))
	for i, p := range pages {
		out[i] = p.data
	}
	return out, nil
}

var (
	controlChars  = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F]")
	horizontalWS  = regexp.MustCompile(`[ \t]+`)
	newlineWS     = regexp.MustCompile(`\s*\n\s*`)
	newlineTriple = regexp.MustCompile(`\n{3,}`)
)

// NormalizeText removes soft hyphens and control characters, collapses horizontal
// whitespace and trims blank space around line breaks.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\u00ad", "")
	s = controlChars.ReplaceAllString(s, "")
	s = horizontalWS.ReplaceAllString(s, " ")
	s = newlineWS.ReplaceAllString(s, "\n")
	s = newlineTriple.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
