// Package arxiv implements papersources.PaperSource for the arXiv Atom API.
//
// API documentation: https://info.arxiv.org/help/api/user-manual.html
package arxiv

import "encoding/xml"

// Feed is the Atom response of /query.
type Feed struct {
	XMLName      xml.Name `xml:"feed"`
	TotalResults int      `xml:"totalResults"`
	Entries      []Entry  `xml:"entry"`
}

// Entry is one paper in the feed.
type Entry struct {
	ID         string     `xml:"id"` // "http://arxiv.org/abs/2301.12345v1"
	Title      string     `xml:"title"`
	Summary    string     `xml:"summary"`
	Published  string     `xml:"published"` // "2023-01-15T18:30:00Z"
	Authors    []Author   `xml:"author"`
	Categories []Category `xml:"category"`
	DOI        string     `xml:"doi"`
}

type Author struct {
	Name string `xml:"name"`
}

type Category struct {
	Term string `xml:"term,attr"`
}
