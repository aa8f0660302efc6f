package intel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
)

const maxEPSSBatch = 50

// EPSSSource queries the FIRST EPSS API for many ids per request.
type EPSSSource struct {
	url     string
	fetcher *fetcher
}

func NewEPSSSource(config etc.Intel, client *http.Client) *EPSSSource {
	return &EPSSSource{
		url:     config.EPSSURL,
		fetcher: newFetcher(SourceEPSS, client, config.RequestsPerSec, config.Timeout, config.Retries),
	}
}

func (s *EPSSSource) Name() string {
	return SourceEPSS
}

type epssResponse struct {
	Data []struct {
		CVE        string    `json:"cve"`
		EPSS       flexFloat `json:"epss"`
		Percentile flexFloat `json:"percentile"`
		Date       string    `json:"date"`
	} `json:"data"`
}

func (s *EPSSSource) ScoresBulk(ctx context.Context, cveIDs []string) (map[string]EPSSScore, error) {
	scores := make(map[string]EPSSScore)
	ids := lo.Uniq(lo.Map(cveIDs, func(id string, _ int) string { return strings.ToUpper(id) }))
	for _, chunk := range lo.Chunk(ids, maxEPSSBatch) {
		query := url.Values{"cve": {strings.Join(chunk, ",")}}
		body, err := s.fetcher.get(ctx, s.url+"?"+query.Encode())
		if xerrors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var resp epssResponse
		if err = json.Unmarshal(body, &resp); err != nil {
			return nil, xerrors.Errorf("decoding EPSS response: %w", err)
		}
		for _, d := range resp.Data {
			scores[strings.ToUpper(d.CVE)] = EPSSScore{
				Score:      float64(d.EPSS),
				Percentile: float64(d.Percentile),
				Date:       parseTime(d.Date),
			}
		}
	}
	return scores, nil
}
