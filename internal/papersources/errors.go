package papersources

import (
	"errors"
	"net/http"

	"github.com/helixir/literature-pipeline/internal/domain"
	"github.com/helixir/literature-pipeline/internal/httpclient"
)

// WrapError converts an httpclient failure into a domain error attributed to source.
// A 404 becomes a NotFoundError for id, a 429 a RateLimitError, and any other status an
// ExternalAPIError. Transport errors are returned unchanged.
func WrapError(source, id string, err error) error {
	if err == nil {
		return nil
	}
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	switch se.StatusCode {
	case http.StatusNotFound:
		return domain.NewNotFoundError("article", id)
	case http.StatusTooManyRequests:
		return domain.NewRateLimitError(source, 0)
	default:
		return domain.NewExternalAPIError(source, se.StatusCode, se.Body, err)
	}
}
