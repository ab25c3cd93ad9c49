package depot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPArtifactFetcher_FetchesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"mappings":[]}`))
	}))
	defer srv.Close()

	f := NewHTTPArtifactFetcher()
	data, err := f.Fetch(context.Background(), srv.URL, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, `{"mappings":[]}`, string(data))
}

func TestHTTPArtifactFetcher_NonOKStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTPArtifactFetcher()
	_, err := f.Fetch(context.Background(), srv.URL, 5*time.Second)
	require.Error(t, err)
}
