package ispdb

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	testASOrgURL  = "http://registry.test/current/data-used-autnums"
	testPrefixURL = "http://registry.test/current/data-raw-table"
)

// testAutnums follows the column layout of data-used-autnums, including a
// row the parser has to skip.
const testAutnums = `  1234 FIRST-ORG
 64512 EXAMPLE-ORG
 64513 NESTED-ORG, US
 65001 V6-ORG
not-a-number OOPS
`

const testRawTable = `203.0.113.0/24 64512
203.0.113.128/25 64513
10.0.0.0/8 64999
2001:db8::/32 65001
`

// fakeFetcher serves datasets from memory and counts requests per URL.
type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	err   error
	calls map[string]int

	// gate, when set, blocks every fetch until it is closed. started
	// receives one value per fetch before it blocks.
	gate    chan struct{}
	started chan string
}

func newFakeFetcher(autnums, rawTable string) *fakeFetcher {
	return &fakeFetcher{
		data: map[string][]byte{
			testASOrgURL:  []byte(autnums),
			testPrefixURL: []byte(rawTable),
		},
		calls: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- url
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &NetworkError{URL: url, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, &NetworkError{URL: url, Err: f.err}
	}
	b, ok := f.data[url]
	if !ok {
		return nil, &NetworkError{URL: url, StatusCode: 404, Err: fmt.Errorf("not found")}
	}
	return append([]byte(nil), b...), nil
}

func (f *fakeFetcher) setData(autnums, rawTable string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[testASOrgURL] = []byte(autnums)
	f.data[testPrefixURL] = []byte(rawTable)
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFetcher) callsFor(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func (f *fakeFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(unix int64) *fakeClock {
	return &fakeClock{t: time.Unix(unix, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = time.Unix(unix, 0)
}

// testOptions returns options for a Reader that never touches the network.
func testOptions(dir string, f Fetcher, clock *fakeClock) []Option {
	return []Option{
		WithCacheDir(dir),
		WithURLs(testASOrgURL, testPrefixURL),
		WithFetcher(f),
		WithClock(clock.Now),
	}
}
