package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"exprcore/internal/blob"
	"exprcore/internal/core"
	"exprcore/pkg/domain"
)

// DefaultBaseURL is the public GEO FTP mirror served over HTTPS.
const DefaultBaseURL = "https://ftp.ncbi.nlm.nih.gov"

// FetchResult describes a completed fetch.
type FetchResult struct {
	Accession Accession `json:"accession"`
	Key       string    `json:"key"`
	Skipped   bool      `json:"skipped"`
	Size      int64     `json:"size_bytes"`
}

// Fetcher downloads SOFT archives into the blob store. Keys mirror the remote
// path so a downloaded archive is found again without a network round trip.
type Fetcher struct {
	blobs   blob.Store
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	logger  core.Logger
}

// FetcherOption customises a Fetcher.
type FetcherOption func(*Fetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithBaseURL points the fetcher at a mirror.
func WithBaseURL(u string) FetcherOption {
	return func(f *Fetcher) {
		if u != "" {
			f.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithRateLimit caps outbound requests per second. NCBI asks anonymous
// clients to stay at or below three.
func WithRateLimit(perSecond float64, burst int) FetcherOption {
	return func(f *Fetcher) {
		if perSecond <= 0 {
			f.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithFetchLogger sets the logger.
func WithFetchLogger(l core.Logger) FetcherOption {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher constructs a fetcher writing into blobs.
func NewFetcher(blobs blob.Store, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		blobs:   blobs,
		client:  &http.Client{Timeout: 5 * time.Minute},
		baseURL: DefaultBaseURL,
		limiter: rate.NewLimiter(rate.Limit(3), 1),
		logger:  core.NopLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the archive for acc unless it is already stored. force
// re-downloads and replaces the stored copy.
func (f *Fetcher) Fetch(ctx context.Context, acc Accession, force bool) (FetchResult, error) {
	path, err := RemotePath(acc)
	if err != nil {
		return FetchResult{}, err
	}
	res := FetchResult{Accession: acc, Key: path}
	if !force {
		info, err := f.blobs.Head(ctx, path)
		if err == nil {
			res.Skipped = true
			res.Size = info.Size
			f.logger.Debug("geo archive already stored", "accession", acc.String(), "key", path)
			return res, nil
		}
		if !isNotFound(err) {
			return FetchResult{}, fmt.Errorf("check %s: %w", path, err)
		}
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return FetchResult{}, err
	}
	url := f.baseURL + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch %s: %w", acc, err)
	}
	defer func() { _ = resp.Body.Close() }()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return FetchResult{}, domain.NotFoundError{Entity: "geo_record", ID: acc.String()}
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchResult{}, fmt.Errorf("fetch %s: unexpected status %s", acc, resp.Status)
	}

	info, err := blob.Replace(ctx, f.blobs, path, resp.Body, blob.PutOptions{
		ContentType: "application/gzip",
		Metadata:    map[string]string{"source_url": url, "accession": acc.String()},
	})
	if err != nil {
		return FetchResult{}, fmt.Errorf("store %s: %w", acc, err)
	}
	res.Size = info.Size
	f.logger.Info("geo archive fetched", "accession", acc.String(), "key", path, "bytes", info.Size)
	return res, nil
}

// Open returns the stored archive for acc.
func (f *Fetcher) Open(ctx context.Context, acc Accession) (io.ReadCloser, error) {
	path, err := RemotePath(acc)
	if err != nil {
		return nil, err
	}
	_, rc, err := f.blobs.Get(ctx, path)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.NotFoundError{Entity: "geo_record", ID: acc.String()}
		}
		return nil, err
	}
	return rc, nil
}

func isNotFound(err error) bool { return errors.Is(err, blob.ErrNotFound) }
