package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/hitrack/hitrack-scanner/pkg/model"
)

var ErrNotFound = errors.New("record not found")

// VersionKey is the natural key of a component version.
type VersionKey struct {
	ComponentID string
	Version     string
}

// GraphStore is the access contract of the reconciliation engine. Every bulk
// write is a single statement; none of them span more than one entity group.
type GraphStore interface {
	ComponentsByName(ctx context.Context, names []string) ([]model.Component, error)
	InsertComponents(ctx context.Context, components []model.Component) error
	// UpgradeComponentTypes replaces the unknown type of the named components.
	UpgradeComponentTypes(ctx context.Context, types map[string]string) error

	ComponentVersionsByKey(ctx context.Context, keys []VersionKey) ([]model.ComponentVersion, error)
	InsertComponentVersions(ctx context.Context, versions []model.ComponentVersion) error
	// FillComponentVersionIdentifiers sets purl and cpes on rows where they are still empty.
	FillComponentVersionIdentifiers(ctx context.Context, versions []model.ComponentVersion) error

	LinkImageComponentVersions(ctx context.Context, imageID string, componentVersionIDs []string) error
	UpsertLocations(ctx context.Context, locations []model.ComponentLocation) error

	// VulnerabilitiesByID matches vulnerability ids case-insensitively.
	VulnerabilitiesByID(ctx context.Context, vulnerabilityIDs []string) ([]model.Vulnerability, error)
	InsertVulnerabilities(ctx context.Context, vulnerabilities []model.Vulnerability) error
	UpdateVulnerabilityFields(ctx context.Context, vulnerability model.Vulnerability) error

	// UpsertVulnerabilityLinks creates missing links and overwrites fixable and fix on existing ones.
	UpsertVulnerabilityLinks(ctx context.Context, links []model.ComponentVersionVulnerability) error
}

// ImageStore drives the image state machine.
type ImageStore interface {
	GetImage(ctx context.Context, id string) (*model.Image, error)
	GetOrCreateImage(ctx context.Context, image model.Image) (*model.Image, bool, error)
	LinkTagImage(ctx context.Context, tagID, imageID string) error
	// MarkImagePending moves an idle image to pending. It reports false when the
	// image is already pending or in process.
	MarkImagePending(ctx context.Context, id string) (bool, error)
	// ClaimImage atomically moves a none or pending image to in_process and
	// reports whether this caller won the claim.
	ClaimImage(ctx context.Context, id string) (bool, error)
	// TransitionImage moves the image from one status to another and reports
	// whether the row was in the expected state.
	TransitionImage(ctx context.Context, id string, from, to model.Status) (bool, error)
	FailImage(ctx context.Context, id string, message string) error
	SaveSBOM(ctx context.Context, id string, sbom []byte, digest string) error
	SaveScanReport(ctx context.Context, id string, report []byte) error
	ListImageIDs(ctx context.Context, filter ImageFilter) ([]string, error)
	ComponentVersionsOfImage(ctx context.Context, imageID string) ([]model.ComponentVersion, error)
	UpdateLatestVersion(ctx context.Context, componentVersionID, latest string, at time.Time) error
}

type ImageFilter struct {
	WithSBOM bool
	Statuses []model.Status
	// UpdatedBefore skips rows touched at or after this instant.
	UpdatedBefore *time.Time
}

// RepositoryStore serves discovery.
type RepositoryStore interface {
	GetRegistry(ctx context.Context, id string) (*model.Registry, error)
	RegistryByHost(ctx context.Context, host string) (*model.Registry, error)
	SaveRegistryToken(ctx context.Context, id, token string) error
	GetRepository(ctx context.Context, id string) (*model.Repository, error)
	GetOrCreateRepository(ctx context.Context, repository model.Repository) (*model.Repository, bool, error)
	ListActiveRepositories(ctx context.Context) ([]model.Repository, error)
	RepositoryFallbacks(ctx context.Context, repositoryID string) ([]model.Repository, error)
	SetRepositoryType(ctx context.Context, id string, repositoryType model.RepositoryType) error
	SetRepositoryStatus(ctx context.Context, id string, status model.Status, message string) error
	TouchRepository(ctx context.Context, id string, at time.Time) error

	GetTag(ctx context.Context, id string) (*model.Tag, error)
	TagsOfRepository(ctx context.Context, repositoryID string) ([]model.Tag, error)
	GetOrCreateTag(ctx context.Context, tag model.Tag) (*model.Tag, bool, error)
	SetTagStatus(ctx context.Context, id string, status model.Status, message string) error
	// ClaimTag moves the tag to in_process unless it already is, and reports
	// whether this caller won.
	ClaimTag(ctx context.Context, id string) (bool, error)
}

// IntelStore serves enrichment.
type IntelStore interface {
	VulnerabilitiesForEnrichment(ctx context.Context, filter EnrichmentFilter) ([]model.Vulnerability, error)
	VulnerabilitiesWithDetails(ctx context.Context, vulnerabilityIDs []string) ([]model.Vulnerability, error)
	SaveVulnerabilityDetails(ctx context.Context, details model.VulnerabilityDetails) error
}

type EnrichmentFilter struct {
	// StaleBefore selects vulnerabilities whose details are missing or older than this instant.
	StaleBefore time.Time
	// PriorityOnly restricts the selection to critical, high and KEV listed vulnerabilities.
	PriorityOnly bool
	Limit        int
}

// CleanupStore serves the retention jobs.
type CleanupStore interface {
	DeleteOrphanVulnerabilities(ctx context.Context, dryRun bool) ([]string, error)
	DeleteStaleDetails(ctx context.Context, before time.Time) (int64, error)
	ResetStuckImages(ctx context.Context, before time.Time, message string) (int64, error)
	DeleteTagsOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// TaskStore keeps the durable trace of task invocations.
type TaskStore interface {
	CreateTask(ctx context.Context, record model.TaskRecord) error
	UpdateTask(ctx context.Context, record model.TaskRecord) error
	GetTask(ctx context.Context, id string) (*model.TaskRecord, error)
	ChildTaskCounts(ctx context.Context, parentID string) (map[model.TaskStatus]int64, error)
}

// Gateway is the whole relational contract consumed by the pipeline.
type Gateway interface {
	GraphStore
	ImageStore
	RepositoryStore
	IntelStore
	CleanupStore
	TaskStore
}
