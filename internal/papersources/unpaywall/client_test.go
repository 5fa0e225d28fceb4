package unpaywall

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/httpclient"
)

func TestClient_PDFURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "lab@example.org", r.URL.Query().Get("email"))
		switch r.URL.Path {
		case "/10.1000/oa":
			_, _ = w.Write([]byte(`{"doi":"10.1000/oa","is_oa":true,"best_oa_location":{"url":"https://x.org/a","url_for_pdf":"https://x.org/a.pdf"}}`))
		case "/10.1000/closed":
			_, _ = w.Write([]byte(`{"doi":"10.1000/closed","is_oa":false,"best_oa_location":null}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	c := New(Config{BaseURL: server.URL, Email: "lab@example.org"}, httpclient.New(httpclient.Config{MaxRetries: 1}))
	ctx := context.Background()

	got, err := c.PDFURL(ctx, "10.1000/oa")
	require.NoError(t, err)
	assert.Equal(t, "https://x.org/a.pdf", got)

	got, err = c.PDFURL(ctx, "10.1000/closed")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.PDFURL(ctx, "10.1000/unknown")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestClient_RequiresEmail(t *testing.T) {
	c := New(Config{}, httpclient.New(httpclient.Config{}))
	_, err := c.PDFURL(context.Background(), "10.1/x")
	assert.ErrorIs(t, err, ErrEmailRequired)
}
