package depot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPArtifactFetcher retrieves a precomputed depot-mapping artifact
// over plain HTTP(S), the concrete ArtifactFetcher cmd/cachectl-core
// wires by default.
type HTTPArtifactFetcher struct {
	Client *http.Client
}

// NewHTTPArtifactFetcher builds a fetcher using http.DefaultClient's
// transport but its own per-call timeout (set via the request
// context's deadline by the caller).
func NewHTTPArtifactFetcher() *HTTPArtifactFetcher {
	return &HTTPArtifactFetcher{Client: &http.Client{}}
}

func (f *HTTPArtifactFetcher) Fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	reqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("depot: build artifact request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("depot: fetch artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depot: artifact fetch returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("depot: read artifact body: %w", err)
	}
	return data, nil
}
