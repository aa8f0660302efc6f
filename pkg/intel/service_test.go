package intel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
	"github.com/hitrack/hitrack-scanner/pkg/ext"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence/relational"
)

type stubDetails struct {
	name    string
	details map[string]*CVEDetails
	exploit map[string]*ExploitInfo
	err     error
	calls   int
}

func (s *stubDetails) Name() string { return s.name }

func (s *stubDetails) FetchDetails(_ context.Context, id string) (*CVEDetails, *ExploitInfo, error) {
	s.calls++
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.details[id], s.exploit[id], nil
}

type stubKEV struct {
	records map[string]KEVRecord
	err     error
}

func (s *stubKEV) Name() string { return SourceKEV }

func (s *stubKEV) CheckKEVBulk(_ context.Context, ids []string) (map[string]KEVRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	found := map[string]KEVRecord{}
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			found[id] = r
		}
	}
	return found, nil
}

type stubEPSS struct {
	batches [][]string
}

func (s *stubEPSS) Name() string { return SourceEPSS }

func (s *stubEPSS) ScoresBulk(_ context.Context, ids []string) (map[string]EPSSScore, error) {
	s.batches = append(s.batches, ids)
	return map[string]EPSSScore{"CVE-2021-44228": {Score: 0.97, Percentile: 0.99}}, nil
}

func newIntelStore(t *testing.T) *relational.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, relational.Migrate(db))
	return relational.NewStore(db)
}

func TestService_Enrich(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	config := etc.Intel{BatchSize: 2, StandardStale: 24 * time.Hour, PriorityStale: 6 * time.Hour}

	seed := func(t *testing.T) *relational.Store {
		store := newIntelStore(t)
		require.NoError(t, store.InsertVulnerabilities(ctx, []model.Vulnerability{
			{VulnerabilityID: "CVE-2021-44228", Type: model.VulnerabilityTypeCVE, Severity: "CRITICAL"},
			{VulnerabilityID: "CVE-2023-0286", Type: model.VulnerabilityTypeCVE, Severity: "HIGH"},
			{VulnerabilityID: "CVE-2020-0001", Type: model.VulnerabilityTypeCVE, Severity: "LOW"},
		}))
		return store
	}

	t.Run("Should merge every source into one record", func(t *testing.T) {
		store := seed(t)
		circl := &stubDetails{name: SourceCIRCL, details: map[string]*CVEDetails{
			"CVE-2021-44228": {CVSSScore: 10, Summary: "Log4Shell"},
		}}
		exploitDB := &stubDetails{name: SourceExploitDB, exploit: map[string]*ExploitInfo{
			"CVE-2021-44228": {Count: 3, VerifiedCount: 1, Links: []string{"https://www.exploit-db.com/exploits/1"}},
		}}
		kev := &stubKEV{records: map[string]KEVRecord{"CVE-2021-44228": {CVEID: "CVE-2021-44228", Product: "Log4j2"}}}
		epss := &stubEPSS{}
		service := NewService(config, store, []DetailsSource{circl, exploitDB}, kev, epss, &ext.FixedClock{Time: now})

		result, err := service.Enrich(ctx, []string{"cve-2021-44228", "CVE-2023-0286", "CVE-2020-0001", "CVE-1999-9999"}, EnrichOptions{})
		require.NoError(t, err)
		assert.Equal(t, Result{Requested: 4, Enriched: 3, Unknown: 1}, result)
		assert.Len(t, epss.batches, 2, "three due ids in batches of two")

		loaded, err := store.VulnerabilitiesWithDetails(ctx, []string{"CVE-2021-44228", "CVE-2020-0001"})
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		for _, v := range loaded {
			require.NotNil(t, v.Details, v.VulnerabilityID)
			switch v.VulnerabilityID {
			case "CVE-2021-44228":
				assert.Equal(t, "CVE-CIRCL + Exploit-DB + CISA-KEV + FIRST-EPSS", v.Details.DataSource)
				assert.True(t, v.Details.ExploitAvailable)
				assert.Equal(t, 3, v.Details.ExploitCount)
				assert.True(t, v.Details.KEVListed)
				assert.Equal(t, "Log4j2", v.Details.KEVProduct)
				assert.Equal(t, 0.97, v.Details.EPSSScore)
				assert.Equal(t, 10.0, v.Details.CVSSScore)
				assert.True(t, now.Equal(v.Details.LastUpdated))
			case "CVE-2020-0001":
				assert.Equal(t, model.DataSourceManual, v.Details.DataSource)
			}
		}
	})

	t.Run("Should skip records refreshed within their tier window", func(t *testing.T) {
		store := seed(t)
		circl := &stubDetails{name: SourceCIRCL}
		first := NewService(config, store, []DetailsSource{circl}, nil, nil, &ext.FixedClock{Time: now})
		_, err := first.Enrich(ctx, []string{"CVE-2021-44228", "CVE-2020-0001"}, EnrichOptions{})
		require.NoError(t, err)

		// Eight hours later the critical one is due again, the low one is not.
		later := NewService(config, store, []DetailsSource{circl}, nil, nil, &ext.FixedClock{Time: now.Add(8 * time.Hour)})
		result, err := later.Enrich(ctx, []string{"CVE-2021-44228", "CVE-2020-0001"}, EnrichOptions{})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Enriched)
		assert.Equal(t, 1, result.Fresh)

		forced, err := later.Enrich(ctx, []string{"CVE-2020-0001"}, EnrichOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, 1, forced.Enriched)
	})

	t.Run("Should keep previous data of a failing source", func(t *testing.T) {
		store := seed(t)
		kev := &stubKEV{records: map[string]KEVRecord{"CVE-2021-44228": {Product: "Log4j2"}}}
		circl := &stubDetails{name: SourceCIRCL, details: map[string]*CVEDetails{"CVE-2021-44228": {CVSSScore: 10}}}
		_, err := NewService(config, store, []DetailsSource{circl}, kev, nil, &ext.FixedClock{Time: now}).
			Enrich(ctx, []string{"CVE-2021-44228"}, EnrichOptions{})
		require.NoError(t, err)

		broken := &stubKEV{err: errors.New("feed down")}
		_, err = NewService(config, store, []DetailsSource{circl}, broken, nil, &ext.FixedClock{Time: now.Add(48 * time.Hour)}).
			Enrich(ctx, []string{"CVE-2021-44228"}, EnrichOptions{})
		require.NoError(t, err)

		loaded, err := store.VulnerabilitiesWithDetails(ctx, []string{"CVE-2021-44228"})
		require.NoError(t, err)
		require.NotNil(t, loaded[0].Details)
		assert.True(t, loaded[0].Details.KEVListed)
		assert.Equal(t, "CVE-CIRCL + CISA-KEV", loaded[0].Details.DataSource)
	})

	t.Run("Should report ids no source could serve", func(t *testing.T) {
		store := seed(t)
		circl := &stubDetails{name: SourceCIRCL, err: errors.New("timeout")}
		result, err := NewService(config, store, []DetailsSource{circl}, nil, nil, &ext.FixedClock{Time: now}).
			Enrich(ctx, []string{"CVE-2023-0286"}, EnrichOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"CVE-2023-0286"}, result.Failed)
		assert.Zero(t, result.Enriched)
	})
}
