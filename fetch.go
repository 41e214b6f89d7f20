package ispdb

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DatasetID identifies one of the two source datasets.
type DatasetID string

const (
	DatasetASOrganizations DatasetID = "asOrganizations" // AS number -> organization
	DatasetPrefixASN       DatasetID = "prefixASN"       // CIDR prefix -> AS number
)

// Dataset describes where a source dataset comes from and how its snapshot
// files are named.
type Dataset struct {
	ID         DatasetID
	URL        string // download URL
	FilePrefix string // snapshot file name prefix, followed by the Unix timestamp
}

// Default dataset locations.
const (
	DefaultASOrganizationsURL = "http://thyme.apnic.net/current/data-used-autnums"
	DefaultPrefixASNURL       = "http://thyme.apnic.net/current/data-raw-table"
)

// Snapshot file prefixes. Changing them orphans existing caches.
const (
	asOrganizationsFilePrefix = "ispdb_asn_isp_db_"
	prefixASNFilePrefix       = "ispdb_ip_asn_db_"
)

// datasets returns the dataset table for cfg, in the order the builder
// consumes them.
func datasets(cfg *Config) [2]Dataset {
	return [2]Dataset{
		{ID: DatasetASOrganizations, URL: cfg.ASOrganizationsURL, FilePrefix: asOrganizationsFilePrefix},
		{ID: DatasetPrefixASN, URL: cfg.PrefixASNURL, FilePrefix: prefixASNFilePrefix},
	}
}

// Fetcher retrieves a dataset and returns its raw bytes. Implementations
// must return an error matching ErrNetwork on any failure and must not
// retry.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FetcherFunc adapts an ordinary function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) ([]byte, error)

// Fetch calls f(ctx, url).
func (f FetcherFunc) Fetch(ctx context.Context, url string) ([]byte, error) { return f(ctx, url) }

// grabFetcher downloads datasets into memory with grab.
type grabFetcher struct {
	client *grab.Client
}

// NewHTTPFetcher returns the default Fetcher. The timeout bounds each
// request end to end; zero means no timeout.
func NewHTTPFetcher(timeout time.Duration) Fetcher {
	client := grab.NewClient()
	client.UserAgent = "ispdb"
	client.HTTPClient = &http.Client{Timeout: timeout}
	return &grabFetcher{client: client}
}

func (f *grabFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := grab.NewRequest(requestName(rawURL), rawURL)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	// Keep the body in memory: snapshots are written by the cache layer,
	// never by the transport.
	req.NoStore = true
	req.NoResume = true
	req = req.WithContext(ctx)

	resp := f.client.Do(req)
	if err := resp.Err(); err != nil {
		return nil, &NetworkError{URL: rawURL, StatusCode: statusCode(resp, err), Err: err}
	}
	b, err := resp.Bytes()
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	return b, nil
}

// requestName picks the name grab associates with an in-memory download.
// Nothing is written under it.
func requestName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" {
			return base
		}
	}
	return "dataset"
}

func statusCode(resp *grab.Response, err error) int {
	var sce grab.StatusCodeError
	if errors.As(err, &sce) {
		return int(sce)
	}
	if resp != nil && resp.HTTPResponse != nil && resp.HTTPResponse.StatusCode/100 != 2 {
		return resp.HTTPResponse.StatusCode
	}
	return 0
}

// fetchDatasets downloads both datasets concurrently. The first failure
// cancels the other download; no partial result is returned.
func fetchDatasets(ctx context.Context, f Fetcher, sets [2]Dataset, log *zap.Logger) ([2][]byte, error) {
	var raw [2][]byte
	g, gctx := errgroup.WithContext(ctx)
	for i, ds := range sets {
		g.Go(func() error {
			log.Info("fetching dataset", zap.String("dataset", string(ds.ID)), zap.String("url", ds.URL))
			start := time.Now()
			b, err := f.Fetch(gctx, ds.URL)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", ds.ID, err)
			}
			log.Info("fetched dataset",
				zap.String("dataset", string(ds.ID)),
				zap.Int("bytes", len(b)),
				zap.Duration("elapsed", time.Since(start)))
			raw[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return [2][]byte{}, err
	}
	return raw, nil
}
