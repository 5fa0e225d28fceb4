// Package pubmed implements papersources.PaperSource for the NCBI PubMed E-utilities API.
//
// Searches run esearch.fcgi for matching PMIDs and then efetch.fcgi for the records.
// API documentation: https://www.ncbi.nlm.nih.gov/books/NBK25499/
package pubmed

import "encoding/xml"

// ESearchResult is the response of esearch.fcgi.
type ESearchResult struct {
	XMLName   xml.Name   `xml:"eSearchResult"`
	Count     int        `xml:"Count"`
	IDList    IDList     `xml:"IdList"`
	ErrorList *ErrorList `xml:"ErrorList,omitempty"`
}

// IDList contains the PMIDs returned by a search.
type IDList struct {
	IDs []string `xml:"Id"`
}

// ErrorList contains query diagnostics. PhraseNotFound means no match, not a failure.
type ErrorList struct {
	PhraseNotFound []string `xml:"PhraseNotFound,omitempty"`
	FieldNotFound  []string `xml:"FieldNotFound,omitempty"`
}

// PubmedArticleSet is the response of efetch.fcgi.
type PubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []PubmedArticle `xml:"PubmedArticle"`
}

type PubmedArticle struct {
	MedlineCitation MedlineCitation `xml:"MedlineCitation"`
	PubmedData      PubmedData      `xml:"PubmedData"`
}

type MedlineCitation struct {
	PMID    string  `xml:"PMID"`
	Article Article `xml:"Article"`
}

type Article struct {
	Journal      Journal       `xml:"Journal"`
	ArticleTitle string        `xml:"ArticleTitle"`
	ELocationID  []ELocationID `xml:"ELocationID,omitempty"`
	Abstract     *Abstract     `xml:"Abstract,omitempty"`
	AuthorList   *AuthorList   `xml:"AuthorList,omitempty"`
}

type Journal struct {
	Title           string       `xml:"Title,omitempty"`
	ISOAbbreviation string       `xml:"ISOAbbreviation,omitempty"`
	JournalIssue    JournalIssue `xml:"JournalIssue"`
}

type JournalIssue struct {
	PubDate PubDate `xml:"PubDate"`
}

// PubDate carries either a structured Year or a free-form MedlineDate ("2020 Jan-Feb").
type PubDate struct {
	Year        string `xml:"Year,omitempty"`
	MedlineDate string `xml:"MedlineDate,omitempty"`
}

// ELocationID is an electronic location identifier (DOI or PII).
type ELocationID struct {
	EIdType string `xml:"EIdType,attr"`
	Valid   string `xml:"ValidYN,attr,omitempty"`
	Value   string `xml:",chardata"`
}

// Abstract may be split into labelled sections (BACKGROUND, METHODS, ...).
type Abstract struct {
	AbstractTexts []AbstractText `xml:"AbstractText"`
}

type AbstractText struct {
	Label string `xml:"Label,attr,omitempty"`
	Value string `xml:",chardata"`
}

type AuthorList struct {
	Authors []Author `xml:"Author"`
}

type Author struct {
	ValidYN        string `xml:"ValidYN,attr,omitempty"`
	LastName       string `xml:"LastName,omitempty"`
	ForeName       string `xml:"ForeName,omitempty"`
	CollectiveName string `xml:"CollectiveName,omitempty"`
}

type PubmedData struct {
	ArticleIdList ArticleIdList `xml:"ArticleIdList"`
}

type ArticleIdList struct {
	ArticleIds []ArticleId `xml:"ArticleId"`
}

type ArticleId struct {
	IdType string `xml:"IdType,attr"`
	Value  string `xml:",chardata"`
}
