package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientRenderHTMLPostsForm(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/forms/chromium/convert/html", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "8.27", r.FormValue("paperWidth"))
		require.Equal(t, "true", r.FormValue("printBackground"))
		file, header, err := r.FormFile("files")
		require.NoError(t, err)
		require.Equal(t, "index.html", header.Filename)
		html, _ := io.ReadAll(file)
		require.Contains(t, string(html), "<h1>Extrato</h1>")
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.7 fake"))
	}))
	defer srv.Close()

	pdf, err := NewClient(srv.URL+"/").RenderHTML(context.Background(), "<h1>Extrato</h1>")
	require.NoError(t, err)
	require.Equal(t, "%PDF-1.7 fake", string(pdf))
}

func TestClientRenderHTMLReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "chromium crashed", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).RenderHTML(context.Background(), "<p>x</p>")
	require.True(t, errors.Is(err, ErrRenderFailed))
	require.True(t, strings.Contains(err.Error(), "chromium crashed"))
}
