package reconcile

import (
	"context"
	"strings"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/hitrack/hitrack-scanner/pkg/metrics"
	"github.com/hitrack/hitrack-scanner/pkg/model"
	"github.com/hitrack/hitrack-scanner/pkg/persistence"
	"github.com/hitrack/hitrack-scanner/pkg/scantool"
)

const DefaultBatchSize = 1000

// Summary counts what one reconciliation wrote. Created counts are the rows
// missing at read time; a concurrent writer may have inserted some of them first.
type Summary struct {
	Artifacts              int `json:"artifacts"`
	Skipped                int `json:"skipped"`
	ComponentsCreated      int `json:"components_created"`
	VersionsCreated        int `json:"versions_created"`
	VulnerabilitiesCreated int `json:"vulnerabilities_created"`
	VulnerabilitiesUpdated int `json:"vulnerabilities_updated"`
	LinksUpserted          int `json:"links_upserted"`
	ImageLinks             int `json:"image_links"`
	Locations              int `json:"locations"`
}

func (s *Summary) add(o Summary) {
	s.Artifacts += o.Artifacts
	s.Skipped += o.Skipped
	s.ComponentsCreated += o.ComponentsCreated
	s.VersionsCreated += o.VersionsCreated
	s.VulnerabilitiesCreated += o.VulnerabilitiesCreated
	s.VulnerabilitiesUpdated += o.VulnerabilitiesUpdated
	s.LinksUpserted += o.LinksUpserted
	s.ImageLinks += o.ImageLinks
	s.Locations += o.Locations
}

func (s Summary) record() {
	metrics.AddReconciledRows("skipped", s.Skipped)
	metrics.AddReconciledRows("component", s.ComponentsCreated)
	metrics.AddReconciledRows("component_version", s.VersionsCreated)
	metrics.AddReconciledRows("vulnerability", s.VulnerabilitiesCreated+s.VulnerabilitiesUpdated)
	metrics.AddReconciledRows("vulnerability_link", s.LinksUpserted)
	metrics.AddReconciledRows("image_link", s.ImageLinks)
	metrics.AddReconciledRows("location", s.Locations)
}

// Engine merges SBOMs and scan reports into the component and vulnerability
// graph. It keeps no state between calls, so any number of engines may run
// against overlapping data at once.
type Engine struct {
	store     persistence.GraphStore
	batchSize int
}

type Option func(*Engine)

func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func NewEngine(store persistence.GraphStore, opts ...Option) *Engine {
	e := &Engine{store: store, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IngestSBOM records the components of an SBOM and links them to the image.
func (e *Engine) IngestSBOM(ctx context.Context, imageID string, raw []byte) (summary Summary, err error) {
	sbom, err := scantool.ParseSBOM(raw)
	if err != nil {
		return
	}
	logger := log.WithField("image_id", imageID)

	for i, batch := range lo.Chunk(sbom.Artifacts, e.batchSize) {
		var s Summary
		if s, err = e.ingestBatch(ctx, imageID, batch); err != nil {
			return summary, xerrors.Errorf("ingesting SBOM batch %d: %w", i, err)
		}
		summary.add(s)
	}
	if summary.Skipped > 0 {
		logger.WithField("skipped", summary.Skipped).Warn("Skipped SBOM artifacts without name or version")
	}
	logger.WithFields(log.Fields{
		"artifacts":          summary.Artifacts,
		"components_created": summary.ComponentsCreated,
		"versions_created":   summary.VersionsCreated,
		"locations":          summary.Locations,
	}).Debug("Ingested SBOM")
	summary.record()
	return
}

func (e *Engine) ingestBatch(ctx context.Context, imageID string, artifacts []scantool.Artifact) (summary Summary, err error) {
	valid := lo.Filter(artifacts, func(a scantool.Artifact, _ int) bool { return isComplete(a) })
	summary.Artifacts = len(artifacts)
	summary.Skipped = len(artifacts) - len(valid)
	if len(valid) == 0 {
		return
	}

	components, created, err := e.ensureComponents(ctx, componentTypes(valid))
	if err != nil {
		return
	}
	summary.ComponentsCreated = created

	versions, created, err := e.ensureVersions(ctx, components, wantedVersions(valid))
	if err != nil {
		return
	}
	summary.VersionsCreated = created

	if summary.ImageLinks, err = e.linkImage(ctx, imageID, versions); err != nil {
		return
	}
	summary.Locations, err = e.recordLocations(ctx, imageID, components, versions, valid)
	return
}

// ApplyScanResult merges a scan report into the graph. Replaying the same
// report leaves the graph unchanged; fix information always reflects the last
// report applied.
func (e *Engine) ApplyScanResult(ctx context.Context, imageID string, report scantool.Report) (summary Summary, err error) {
	logger := log.WithField("image_id", imageID)

	matches := lo.Filter(report.Matches, func(m scantool.Match, _ int) bool {
		return isComplete(m.Artifact) && strings.TrimSpace(m.Vulnerability.ID) != ""
	})
	summary.Artifacts = len(report.Matches)
	summary.Skipped = len(report.Matches) - len(matches)
	if summary.Skipped > 0 {
		logger.WithField("skipped", summary.Skipped).Warn("Skipped scan matches without vulnerability id, name or version")
	}
	if len(matches) == 0 {
		summary.record()
		return
	}
	artifacts := lo.Map(matches, func(m scantool.Match, _ int) scantool.Artifact { return m.Artifact })

	components, created, err := e.ensureComponents(ctx, componentTypes(artifacts))
	if err != nil {
		return
	}
	summary.ComponentsCreated = created

	versions, created, err := e.ensureVersions(ctx, components, wantedVersions(artifacts))
	if err != nil {
		return
	}
	summary.VersionsCreated = created

	vulnerabilities, s, err := e.ensureVulnerabilities(ctx, matches)
	if err != nil {
		return
	}
	summary.VulnerabilitiesCreated = s.VulnerabilitiesCreated
	summary.VulnerabilitiesUpdated = s.VulnerabilitiesUpdated

	links := make([]model.ComponentVersionVulnerability, 0, len(matches))
	for _, m := range matches {
		versionID := versions[versionKey(components, m.Artifact)]
		vulnerabilityID := vulnerabilities[vulnerabilityKey(m.Vulnerability.ID)]
		if versionID == "" || vulnerabilityID == "" {
			continue
		}
		fixable, fix := DeriveFix(m.Vulnerability.Fix)
		links = append(links, model.ComponentVersionVulnerability{
			ComponentVersionID: versionID,
			VulnerabilityID:    vulnerabilityID,
			Fixable:            fixable,
			Fix:                fix,
		})
	}
	if err = e.store.UpsertVulnerabilityLinks(ctx, links); err != nil {
		return
	}
	summary.LinksUpserted = len(lo.UniqBy(links, func(l model.ComponentVersionVulnerability) string {
		return l.ComponentVersionID + "\x00" + l.VulnerabilityID
	}))

	if summary.ImageLinks, err = e.linkImage(ctx, imageID, versions); err != nil {
		return
	}
	if summary.Locations, err = e.recordLocations(ctx, imageID, components, versions, artifacts); err != nil {
		return
	}

	logger.WithFields(log.Fields{
		"matches":                 len(matches),
		"vulnerabilities_created": summary.VulnerabilitiesCreated,
		"vulnerabilities_updated": summary.VulnerabilitiesUpdated,
		"links":                   summary.LinksUpserted,
	}).Debug("Applied scan result")
	summary.record()
	return
}

// ensureComponents returns the ids of the named components, creating the
// missing ones and upgrading unknown types on existing ones.
func (e *Engine) ensureComponents(ctx context.Context, types map[string]string) (map[string]string, int, error) {
	names := lo.Keys(types)
	existing, err := e.store.ComponentsByName(ctx, names)
	if err != nil {
		return nil, 0, err
	}
	known := lo.SliceToMap(existing, func(c model.Component) (string, model.Component) { return c.Name, c })

	var missing []model.Component
	upgrades := make(map[string]string)
	for name, componentType := range types {
		c, ok := known[name]
		if !ok {
			missing = append(missing, model.Component{Name: name, Type: componentType})
			continue
		}
		if c.Type == model.ComponentTypeUnknown && componentType != model.ComponentTypeUnknown {
			upgrades[name] = componentType
		}
	}
	if err = e.store.InsertComponents(ctx, missing); err != nil {
		return nil, 0, err
	}
	if len(upgrades) > 0 {
		if err = e.store.UpgradeComponentTypes(ctx, upgrades); err != nil {
			return nil, 0, err
		}
	}
	if len(missing) == 0 {
		return lo.MapValues(known, func(c model.Component, _ string) string { return c.ID }), 0, nil
	}

	reread, err := e.store.ComponentsByName(ctx, names)
	if err != nil {
		return nil, 0, err
	}
	ids := lo.SliceToMap(reread, func(c model.Component) (string, string) { return c.Name, c.ID })
	if len(ids) != len(types) {
		return nil, 0, xerrors.Errorf("resolved %d of %d components", len(ids), len(types))
	}
	return ids, len(missing), nil
}

type identifiers struct {
	name    string
	version string
	purl    string
	cpes    []string
}

// ensureVersions returns version ids keyed by component id and version.
func (e *Engine) ensureVersions(ctx context.Context, components map[string]string, wanted []identifiers) (map[persistence.VersionKey]string, int, error) {
	byKey := make(map[persistence.VersionKey]identifiers, len(wanted))
	for _, w := range wanted {
		key := persistence.VersionKey{ComponentID: components[w.name], Version: w.version}
		if key.ComponentID == "" {
			continue
		}
		prev, ok := byKey[key]
		if !ok {
			byKey[key] = w
			continue
		}
		if prev.purl == "" {
			prev.purl = w.purl
		}
		if len(prev.cpes) == 0 {
			prev.cpes = w.cpes
		}
		byKey[key] = prev
	}
	keys := lo.Keys(byKey)

	existing, err := e.store.ComponentVersionsByKey(ctx, keys)
	if err != nil {
		return nil, 0, err
	}
	ids := make(map[persistence.VersionKey]string, len(keys))
	var fill []model.ComponentVersion
	for _, v := range existing {
		key := persistence.VersionKey{ComponentID: v.ComponentID, Version: v.Version}
		ids[key] = v.ID
		w := byKey[key]
		if (v.Purl == "" && w.purl != "") || (len(v.CPEs) == 0 && len(w.cpes) > 0) {
			fill = append(fill, model.ComponentVersion{Base: model.Base{ID: v.ID}, Purl: w.purl, CPEs: w.cpes})
		}
	}
	if err = e.store.FillComponentVersionIdentifiers(ctx, fill); err != nil {
		return nil, 0, err
	}

	var missing []model.ComponentVersion
	for key, w := range byKey {
		if _, ok := ids[key]; ok {
			continue
		}
		missing = append(missing, model.ComponentVersion{
			ComponentID: key.ComponentID,
			Version:     key.Version,
			Purl:        w.purl,
			CPEs:        w.cpes,
		})
	}
	if len(missing) == 0 {
		return ids, 0, nil
	}
	if err = e.store.InsertComponentVersions(ctx, missing); err != nil {
		return nil, 0, err
	}

	reread, err := e.store.ComponentVersionsByKey(ctx, keys)
	if err != nil {
		return nil, 0, err
	}
	for _, v := range reread {
		ids[persistence.VersionKey{ComponentID: v.ComponentID, Version: v.Version}] = v.ID
	}
	if len(ids) != len(keys) {
		return nil, 0, xerrors.Errorf("resolved %d of %d component versions", len(ids), len(keys))
	}
	return ids, len(missing), nil
}

// ensureVulnerabilities returns row ids keyed by upper-cased vulnerability id.
// Severity, description and epss of existing rows follow the latest report.
func (e *Engine) ensureVulnerabilities(ctx context.Context, matches []scantool.Match) (map[string]string, Summary, error) {
	var summary Summary
	desired := make(map[string]model.Vulnerability)
	var order []string
	for _, m := range matches {
		id := strings.TrimSpace(m.Vulnerability.ID)
		key := vulnerabilityKey(id)
		if _, ok := desired[key]; !ok {
			order = append(order, key)
		}
		desired[key] = model.Vulnerability{
			VulnerabilityID: id,
			Type:            InferVulnerabilityType(id),
			Severity:        NormalizeSeverity(m.Vulnerability.Severity),
			Description:     m.Vulnerability.Description,
			EPSS:            ExtractEPSS(m.Vulnerability.EPSS),
		}
	}
	lookup := lo.Map(order, func(key string, _ int) string { return desired[key].VulnerabilityID })

	existing, err := e.store.VulnerabilitiesByID(ctx, lookup)
	if err != nil {
		return nil, summary, err
	}
	ids := make(map[string]string, len(desired))
	for _, v := range existing {
		key := vulnerabilityKey(v.VulnerabilityID)
		want, ok := desired[key]
		if !ok {
			continue
		}
		ids[key] = v.ID
		if v.Severity != want.Severity || v.Description != want.Description || v.EPSS != want.EPSS || v.Type != want.Type {
			want.ID = v.ID
			if err = e.store.UpdateVulnerabilityFields(ctx, want); err != nil {
				return nil, summary, err
			}
			summary.VulnerabilitiesUpdated++
		}
	}

	var missing []model.Vulnerability
	for _, key := range order {
		if _, ok := ids[key]; !ok {
			missing = append(missing, desired[key])
		}
	}
	if len(missing) == 0 {
		return ids, summary, nil
	}
	if err = e.store.InsertVulnerabilities(ctx, missing); err != nil {
		return nil, summary, err
	}
	summary.VulnerabilitiesCreated = len(missing)

	reread, err := e.store.VulnerabilitiesByID(ctx, lookup)
	if err != nil {
		return nil, summary, err
	}
	for _, v := range reread {
		key := vulnerabilityKey(v.VulnerabilityID)
		if _, ok := desired[key]; ok {
			ids[key] = v.ID
		}
	}
	if len(ids) != len(desired) {
		return nil, summary, xerrors.Errorf("resolved %d of %d vulnerabilities", len(ids), len(desired))
	}
	return ids, summary, nil
}

func (e *Engine) linkImage(ctx context.Context, imageID string, versions map[persistence.VersionKey]string) (int, error) {
	ids := lo.Values(versions)
	if err := e.store.LinkImageComponentVersions(ctx, imageID, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (e *Engine) recordLocations(ctx context.Context, imageID string, components map[string]string,
	versions map[persistence.VersionKey]string, artifacts []scantool.Artifact) (int, error) {
	var locations []model.ComponentLocation
	for _, a := range artifacts {
		versionID := versions[versionKey(components, a)]
		if versionID == "" {
			continue
		}
		for _, l := range a.Locations {
			path := l.Path
			if path == "" {
				path = l.AccessPath
			}
			if path == "" {
				continue
			}
			locations = append(locations, model.ComponentLocation{
				ComponentVersionID: versionID,
				ImageID:            imageID,
				Path:               path,
				LayerID:            l.LayerID,
				EvidenceType:       l.EvidenceType(),
			})
		}
	}
	if err := e.store.UpsertLocations(ctx, locations); err != nil {
		return 0, err
	}
	return len(locations), nil
}

func isComplete(a scantool.Artifact) bool {
	return strings.TrimSpace(a.Name) != "" && strings.TrimSpace(a.Version) != ""
}

// componentTypes maps every component name to its type. A concrete type
// reported by any artifact wins over unknown.
func componentTypes(artifacts []scantool.Artifact) map[string]string {
	types := make(map[string]string)
	for _, a := range artifacts {
		name := strings.TrimSpace(a.Name)
		t := strings.TrimSpace(a.Type)
		if t == "" {
			t = model.ComponentTypeUnknown
		}
		if prev, ok := types[name]; ok && prev != model.ComponentTypeUnknown {
			continue
		}
		types[name] = t
	}
	return types
}

func wantedVersions(artifacts []scantool.Artifact) []identifiers {
	return lo.Map(artifacts, func(a scantool.Artifact, _ int) identifiers {
		return identifiers{
			name:    strings.TrimSpace(a.Name),
			version: strings.TrimSpace(a.Version),
			purl:    a.Purl,
			cpes:    a.CPEs,
		}
	})
}

func versionKey(components map[string]string, a scantool.Artifact) persistence.VersionKey {
	return persistence.VersionKey{
		ComponentID: components[strings.TrimSpace(a.Name)],
		Version:     strings.TrimSpace(a.Version),
	}
}

func vulnerabilityKey(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}
