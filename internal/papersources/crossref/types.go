// Package crossref implements papersources.PaperSource for the Crossref REST API.
//
// Requests carry a mailto parameter so they are routed to the polite pool.
// API documentation: https://api.crossref.org/swagger-ui/index.html
package crossref

// worksResponse is the envelope of /works.
type worksResponse struct {
	Status  string       `json:"status"`
	Message worksMessage `json:"message"`
}

type worksMessage struct {
	TotalResults int    `json:"total-results"`
	Items        []Work `json:"items"`
}

// workResponse is the envelope of /works/{doi}.
type workResponse struct {
	Status  string `json:"status"`
	Message Work   `json:"message"`
}

// Work is one Crossref record. Only the fields the pipeline reads are decoded.
type Work struct {
	DOI            string    `json:"DOI"`
	URL            string    `json:"URL"`
	Title          []string  `json:"title"`
	ContainerTitle []string  `json:"container-title"`
	Abstract       string    `json:"abstract"`
	Author         []Author  `json:"author"`
	PublishedPrint *DateInfo `json:"published-print"`
	Issued         *DateInfo `json:"issued"`
}

type Author struct {
	Given  string `json:"given"`
	Family string `json:"family"`
}

// DateInfo holds [[year, month, day]] with month and day optional.
type DateInfo struct {
	DateParts [][]int `json:"date-parts"`
}
