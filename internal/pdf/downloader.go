// Package pdf handles the article PDFs of a project: downloading open-access copies,
// extracting their text and rendering the report PDFs of the analysis stages.
package pdf

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrNotPDF is returned when the response is neither a PDF nor a landing page that
	// links to one.
	ErrNotPDF = errors.New("pdf: response is not a PDF")
	// ErrTooLarge is returned when the file exceeds the maximum allowed size.
	ErrTooLarge = errors.New("pdf: file exceeds maximum size")
	// ErrDownloadFailed is returned for network errors and non-2xx responses.
	ErrDownloadFailed = errors.New("pdf: download failed")
	// ErrSSRF is returned when the URL resolves to a private network address.
	ErrSSRF = errors.New("pdf: request to private network denied")
)

// pdfMagic starts every PDF file.
var pdfMagic = []byte("%PDF-")

// DownloadResult holds a downloaded PDF.
type DownloadResult struct {
	Content []byte
	// ContentHash is the SHA-256 hex digest of Content.
	ContentHash string
	SizeBytes   int64
	// SourceURL is the URL the bytes were finally read from, which differs from the
	// requested one when a landing page linked to the PDF.
	SourceURL string
}

// Config holds downloader configuration.
type Config struct {
	// Timeout is the per-request timeout. Default: 60 seconds.
	Timeout time.Duration
	// MaxSize is the maximum file size in bytes. Default: 50MB.
	MaxSize int64
	// UserAgent is the User-Agent header.
	UserAgent string
	// AllowPrivateNetworks disables the private address checks. Tests only.
	AllowPrivateNetworks bool
}

// Downloader fetches PDFs over HTTP.
type Downloader struct {
	client               *http.Client
	maxSize              int64
	userAgent            string
	allowPrivateNetworks bool
}

// NewDownloader creates a Downloader with the given configuration.
func NewDownloader(cfg Config) *Downloader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50 * 1024 * 1024
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Mozilla/5.0 (compatible; literature-pipeline/1.0)"
	}

	d := &Downloader{
		maxSize:              cfg.MaxSize,
		userAgent:            cfg.UserAgent,
		allowPrivateNetworks: cfg.AllowPrivateNetworks,
	}
	d.client = &http.Client{
		Timeout: cfg.Timeout,
		// Every redirect hop is checked so an open redirect cannot reach an internal host.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("%w: too many redirects", ErrDownloadFailed)
			}
			if !d.allowPrivateNetworks {
				return validateURLNotPrivate(req.Context(), req.URL.String())
			}
			return nil
		},
	}
	return d
}

// Download fetches a PDF. Publisher landing pages that advertise the PDF through a
// citation_pdf_url meta tag are followed once.
func (d *Downloader) Download(ctx context.Context, rawURL string) (*DownloadResult, error) {
	content, contentType, err := d.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(content, pdfMagic) {
		return newResult(content, rawURL), nil
	}
	if !strings.Contains(strings.ToLower(contentType), "html") {
		return nil, fmt.Errorf("%w: Content-Type is %q", ErrNotPDF, contentType)
	}

	link, err := citationPDFURL(content, rawURL)
	if err != nil || link == "" {
		return nil, fmt.Errorf("%w: landing page without a PDF link", ErrNotPDF)
	}
	content, contentType, err = d.fetch(ctx, link)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(content, pdfMagic) {
		return nil, fmt.Errorf("%w: Content-Type is %q", ErrNotPDF, contentType)
	}
	return newResult(content, link), nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	if !d.allowPrivateNetworks {
		if err := validateURLNotPrivate(ctx, rawURL); err != nil {
			return nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: invalid URL: %w", ErrDownloadFailed, err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "application/pdf, text/html;q=0.5, */*;q=0.1")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%w: HTTP %d", ErrDownloadFailed, resp.StatusCode)
	}

	// One extra byte detects an oversized body.
	content, err := io.ReadAll(io.LimitReader(resp.Body, d.maxSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %w", ErrDownloadFailed, err)
	}
	if int64(len(content)) > d.maxSize {
		return nil, "", fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, d.maxSize)
	}
	return content, resp.Header.Get("Content-Type"), nil
}

func newResult(content []byte, sourceURL string) *DownloadResult {
	hash := sha256.Sum256(content)
	return &DownloadResult{
		Content:     content,
		ContentHash: hex.EncodeToString(hash[:]),
		SizeBytes:   int64(len(content)),
		SourceURL:   sourceURL,
	}
}

// citationPDFURL reads the Highwire citation_pdf_url meta tag of a landing page and
// resolves it against the page URL.
func citationPDFURL(page []byte, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", err
	}
	href, ok := doc.Find(`meta[name="citation_pdf_url"]`).First().Attr("content")
	if !ok || strings.TrimSpace(href) == "" {
		return "", nil
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// isPrivateIP reports whether ip is loopback, link-local, private or unspecified.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// validateURLNotPrivate rejects non-HTTP schemes and hosts resolving to private addresses.
func validateURLNotPrivate(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSSRF, err)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q is not allowed", ErrSSRF, parsed.Scheme)
	}

	host := parsed.Hostname()
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: DNS lookup failed for %s: %w", ErrDownloadFailed, host, err)
	}
	for _, ipStr := range ips {
		if ip := net.ParseIP(ipStr); ip != nil && isPrivateIP(ip) {
			return fmt.Errorf("%w: %s resolves to private address %s", ErrSSRF, host, ipStr)
		}
	}
	return nil
}
