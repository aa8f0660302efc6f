package intel

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/context/ctxhttp"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/metrics"
)

const maxBodySize = 64 << 20

var errNotFound = xerrors.New("not found")

type statusError struct {
	url  string
	code int
}

func (e *statusError) Error() string {
	return "GET " + e.url + ": unexpected status " + strconv.Itoa(e.code)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= http.StatusInternalServerError
}

// fetcher performs rate limited GET requests on behalf of one source, with a
// timeout per attempt and a bounded number of retries.
type fetcher struct {
	source  string
	client  *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	retries int
	backoff time.Duration
}

func newFetcher(source string, client *http.Client, requestsPerSecond float64, timeout time.Duration, retries int) *fetcher {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &fetcher{
		source:  source,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		timeout: timeout,
		retries: retries,
		backoff: time.Second,
	}
}

func (f *fetcher) get(ctx context.Context, url string) (body []byte, err error) {
	defer func() {
		if !xerrors.Is(err, errNotFound) {
			metrics.IncIntelCall(f.source, err)
		}
	}()
	for attempt := 0; ; attempt++ {
		body, err = f.attempt(ctx, url)
		var se *statusError
		retryable := err != nil && !xerrors.Is(err, errNotFound) &&
			(!xerrors.As(err, &se) || se.retryable()) && ctx.Err() == nil
		if !retryable || attempt >= f.retries {
			return
		}
		log.WithFields(log.Fields{"source": f.source, "url": url, "attempt": attempt + 1}).
			WithError(err).Debug("Retrying intel request")
		if err = ext.Sleep(ctx, f.backoff*time.Duration(1<<attempt)); err != nil {
			return nil, err
		}
	}
}

func (f *fetcher) attempt(ctx context.Context, url string) ([]byte, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, xerrors.Errorf("waiting for %s rate limit: %w", f.source, err)
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	resp, err := ctxhttp.Get(ctx, f.client, url)
	if err != nil {
		return nil, xerrors.Errorf("GET %s: %w", url, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{url: url, code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, xerrors.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}

// flexFloat decodes numbers that some feeds send as JSON strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return xerrors.Errorf("decoding number %q: %w", data, err)
	}
	*f = flexFloat(v)
	return nil
}

var _ json.Unmarshaler = (*flexFloat)(nil)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime accepts the timestamp and date formats the feeds use. Timestamps
// without a zone are taken as UTC.
func parseTime(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
