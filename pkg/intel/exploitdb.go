package intel

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"net/http"
	"strings"

	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
)

const exploitDBLink = "https://www.exploit-db.com/exploits/"

// ExploitDBSource indexes the Exploit-DB files_exploits.csv catalog by CVE id.
type ExploitDBSource struct {
	url     string
	fetcher *fetcher
	feed    *cachedFeed[map[string]ExploitInfo]
}

func NewExploitDBSource(config etc.Intel, client *http.Client, clock ext.Clock) *ExploitDBSource {
	s := &ExploitDBSource{
		url:     config.ExploitDBURL,
		fetcher: newFetcher(SourceExploitDB, client, config.RequestsPerSec, config.Timeout, config.Retries),
	}
	s.feed = &cachedFeed[map[string]ExploitInfo]{name: SourceExploitDB, ttl: config.FeedTTL, clock: clock, load: s.load}
	return s
}

func (s *ExploitDBSource) Name() string {
	return SourceExploitDB
}

func (s *ExploitDBSource) FetchDetails(ctx context.Context, cveID string) (*CVEDetails, *ExploitInfo, error) {
	index, err := s.feed.get(ctx)
	if err != nil {
		return nil, nil, err
	}
	info, ok := index[strings.ToUpper(cveID)]
	if !ok {
		return nil, nil, nil
	}
	return nil, &info, nil
}

func (s *ExploitDBSource) load(ctx context.Context) (map[string]ExploitInfo, error) {
	body, err := s.fetcher.get(ctx, s.url)
	if err != nil {
		return nil, xerrors.Errorf("downloading Exploit-DB index: %w", err)
	}
	return parseExploitDB(bytes.NewReader(body))
}

func parseExploitDB(r io.Reader) (map[string]ExploitInfo, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		return nil, xerrors.Errorf("reading Exploit-DB header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, h := range header {
		columns[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idCol, okID := columns["id"]
	codesCol, okCodes := columns["codes"]
	verifiedCol, okVerified := columns["verified"]
	if !okID || !okCodes {
		return nil, xerrors.Errorf("Exploit-DB index lacks id or codes column: %v", header)
	}

	index := make(map[string]ExploitInfo)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("reading Exploit-DB index: %w", err)
		}
		if idCol >= len(row) || codesCol >= len(row) {
			continue
		}
		verified := okVerified && verifiedCol < len(row) && strings.TrimSpace(row[verifiedCol]) == "1"
		for _, code := range strings.Split(row[codesCol], ";") {
			code = strings.ToUpper(strings.TrimSpace(code))
			if !strings.HasPrefix(code, "CVE-") {
				continue
			}
			info := index[code]
			info.Count++
			if verified {
				info.VerifiedCount++
			}
			info.Links = append(info.Links, exploitDBLink+strings.TrimSpace(row[idCol]))
			index[code] = info
		}
	}
	return index, nil
}
