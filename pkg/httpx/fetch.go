package httpx

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"strata/pkg/binding"
	"strata/pkg/models"
)

// RemoteFetcher streams external content over HTTP. Unlike the JSON control
// plane, fetched bodies are never buffered: the caller owns the stream and
// must close it on every path. No retries here; a failed fetch surfaces to
// the dissemination caller, which owns retry policy.
type RemoteFetcher struct {
	Client *http.Client
}

// NewRemoteFetcher builds a fetcher with sane streaming defaults. The client
// timeout covers the whole body copy, so it is generous.
func NewRemoteFetcher(timeout time.Duration) *RemoteFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteFetcher{Client: &http.Client{Timeout: timeout}}
}

// Fetch issues a GET against rawURL, attaching basic-auth credentials when
// provided, and hands back the open response stream.
func (f *RemoteFetcher) Fetch(ctx context.Context, rawURL string, opts binding.FetchOptions) (*models.Content, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if opts.Username != "" {
		req.SetBasicAuth(opts.Username, opts.Password)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &models.Content{
		MIMEType: mimeType,
		Header:   resp.Header.Clone(),
		Length:   resp.ContentLength,
		Body:     resp.Body,
	}, nil
}
