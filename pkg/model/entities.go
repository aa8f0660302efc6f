package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base carries the surrogate key and bookkeeping timestamps of every entity.
// Natural keys are enforced with unique indexes on the entity itself.
type Base struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Base) BeforeCreate(_ *gorm.DB) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return nil
}

type Registry struct {
	Base
	Name     string     `gorm:"size:255;uniqueIndex" json:"name"`
	Provider Provider   `gorm:"size:32;not null" json:"provider"`
	APIURL   string     `gorm:"size:512;not null" json:"api_url"`
	Login    string     `gorm:"size:255" json:"-"`
	Password string     `gorm:"size:1024" json:"-"`
	Token    string     `gorm:"type:text" json:"-"`
	LastSync *time.Time `json:"last_sync,omitempty"`
}

// Repository is a scan target. For Artifactory registries Name is the repo key
// and the tags discovered under it carry the image path (docker) or chart name (helm).
type Repository struct {
	Base
	Name           string         `gorm:"size:255;uniqueIndex:idx_repository_name_url" json:"name"`
	URL            string         `gorm:"size:512;uniqueIndex:idx_repository_name_url" json:"url"`
	RegistryID     *string        `gorm:"size:36;index" json:"registry_id,omitempty"`
	Registry       *Registry      `json:"registry,omitempty"`
	Status         bool           `gorm:"index" json:"status"`
	ScanStatus     Status         `gorm:"size:16;default:none" json:"scan_status"`
	RepositoryType RepositoryType `gorm:"size:16;default:none" json:"repository_type"`
	LastScanned    *time.Time     `json:"last_scanned,omitempty"`
	LastError      string         `gorm:"type:text" json:"last_error,omitempty"`
}

// RepositoryFallback is the ordered list of docker repositories consulted when
// an image referenced by a chart in Repository cannot be resolved.
type RepositoryFallback struct {
	RepositoryID string      `gorm:"primaryKey;size:36"`
	FallbackID   string      `gorm:"primaryKey;size:36"`
	Position     int         `gorm:"not null;default:0"`
	Fallback     *Repository `gorm:"foreignKey:FallbackID"`
}

type Tag struct {
	Base
	RepositoryID     string      `gorm:"size:36;uniqueIndex:idx_tag_key" json:"repository_id"`
	Repository       *Repository `json:"repository,omitempty"`
	Tag              string      `gorm:"size:255;uniqueIndex:idx_tag_key" json:"tag"`
	ImagePath        string      `gorm:"size:255;uniqueIndex:idx_tag_key;default:''" json:"image_path"`
	Digest           string      `gorm:"size:128" json:"digest"`
	ChartURL         string      `gorm:"size:1024" json:"chart_url,omitempty"`
	ProcessingStatus Status      `gorm:"size:16;default:none;index" json:"processing_status"`
	LastError        string      `gorm:"type:text" json:"last_error,omitempty"`
}

type Image struct {
	Base
	Name              string     `gorm:"size:512;uniqueIndex:idx_image_name_digest" json:"name"`
	Digest            string     `gorm:"size:128;uniqueIndex:idx_image_name_digest;default:''" json:"digest"`
	ArtifactReference string     `gorm:"size:512" json:"artifact_reference"`
	SBOM              []byte     `json:"-"`
	ScanReport        []byte     `json:"-"`
	ScanStatus        Status     `gorm:"size:16;default:none;index" json:"scan_status"`
	LastError         string     `gorm:"type:text" json:"last_error,omitempty"`
	ScannedAt         *time.Time `json:"scanned_at,omitempty"`
}

// HasSBOM reports whether stage one has persisted a document.
func (i *Image) HasSBOM() bool {
	return len(i.SBOM) > 0
}

type TagImage struct {
	TagID     string    `gorm:"primaryKey;size:36"`
	ImageID   string    `gorm:"primaryKey;size:36;index"`
	CreatedAt time.Time
}

type Component struct {
	Base
	Name string `gorm:"size:512;uniqueIndex" json:"name"`
	Type string `gorm:"size:64;default:unknown" json:"type"`
}

type ComponentVersion struct {
	Base
	ComponentID            string     `gorm:"size:36;uniqueIndex:idx_component_version_key" json:"component_id"`
	Component              *Component `json:"component,omitempty"`
	Version                string     `gorm:"size:255;uniqueIndex:idx_component_version_key" json:"version"`
	Purl                   string     `gorm:"size:1024" json:"purl,omitempty"`
	CPEs                   []string   `gorm:"column:cpes;serializer:json;type:text" json:"cpes,omitempty"`
	LatestVersion          string     `gorm:"size:255" json:"latest_version,omitempty"`
	LatestVersionUpdatedAt *time.Time `json:"latest_version_updated_at,omitempty"`
}

type ImageComponentVersion struct {
	ImageID            string `gorm:"primaryKey;size:36"`
	ComponentVersionID string `gorm:"primaryKey;size:36;index"`
	CreatedAt          time.Time
}

// ComponentLocation records where inside an image a component version was found.
type ComponentLocation struct {
	Base
	ComponentVersionID string `gorm:"size:36;uniqueIndex:idx_component_location_key" json:"component_version_id"`
	ImageID            string `gorm:"size:36;uniqueIndex:idx_component_location_key" json:"image_id"`
	Path               string `gorm:"size:768;uniqueIndex:idx_component_location_key" json:"path"`
	LayerID            string `gorm:"size:128" json:"layer_id,omitempty"`
	EvidenceType       string `gorm:"size:64" json:"evidence_type,omitempty"`
}

type Vulnerability struct {
	Base
	VulnerabilityID string                `gorm:"size:128;uniqueIndex" json:"vulnerability_id"`
	Type            VulnerabilityType     `gorm:"size:16" json:"type"`
	Severity        string                `gorm:"size:32;index" json:"severity"`
	Description     string                `gorm:"type:text" json:"description"`
	EPSS            float64               `json:"epss"`
	Details         *VulnerabilityDetails `gorm:"foreignKey:VulnerabilityID" json:"details,omitempty"`
}

// VulnerabilityDetails is the enrichment record of a vulnerability. It is
// refreshed on its own clock, see LastUpdated.
type VulnerabilityDetails struct {
	Base
	VulnerabilityID string `gorm:"size:36;uniqueIndex" json:"vulnerability_id"`

	CVSSScore   float64    `json:"cvss_score"`
	CVSSVector  string     `gorm:"size:255" json:"cvss_vector,omitempty"`
	CVSSVersion string     `gorm:"size:16" json:"cvss_version,omitempty"`
	Summary     string     `gorm:"type:text" json:"summary,omitempty"`
	CWE         string     `gorm:"size:64" json:"cwe,omitempty"`
	References  []string   `gorm:"column:reference_links;serializer:json;type:text" json:"references,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	ModifiedAt  *time.Time `json:"modified_at,omitempty"`

	ExploitAvailable     bool     `json:"exploit_available"`
	ExploitCount         int      `json:"exploit_count"`
	ExploitVerifiedCount int      `json:"exploit_verified_count"`
	ExploitLinks         []string `gorm:"serializer:json;type:text" json:"exploit_links,omitempty"`

	KEVListed           bool       `gorm:"index" json:"kev_listed"`
	KEVDateAdded        *time.Time `json:"kev_date_added,omitempty"`
	KEVDueDate          *time.Time `json:"kev_due_date,omitempty"`
	KEVVendorProject    string     `gorm:"size:255" json:"kev_vendor_project,omitempty"`
	KEVProduct          string     `gorm:"size:255" json:"kev_product,omitempty"`
	KEVRequiredAction   string     `gorm:"type:text" json:"kev_required_action,omitempty"`
	KEVKnownRansomware  string     `gorm:"size:32" json:"kev_known_ransomware,omitempty"`
	KEVShortDescription string     `gorm:"type:text" json:"kev_short_description,omitempty"`

	EPSSScore      float64    `json:"epss_score"`
	EPSSPercentile float64    `json:"epss_percentile"`
	EPSSDate       *time.Time `json:"epss_date,omitempty"`

	LastUpdated time.Time `gorm:"index" json:"last_updated"`
	DataSource  string    `gorm:"size:255;default:manual" json:"data_source"`
}

// ComponentVersionVulnerability links a component version to a vulnerability
// affecting it. Fixable and Fix always hold the values of the latest scan.
type ComponentVersionVulnerability struct {
	Base
	ComponentVersionID string `gorm:"size:36;uniqueIndex:idx_cvv_key" json:"component_version_id"`
	VulnerabilityID    string `gorm:"size:36;uniqueIndex:idx_cvv_key;index" json:"vulnerability_id"`
	Fixable            bool   `json:"fixable"`
	Fix                string `gorm:"size:1024" json:"fix"`
}

type Release struct {
	Base
	Name        string `gorm:"size:255;uniqueIndex" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`
}

type TagRelease struct {
	TagID     string `gorm:"primaryKey;size:36"`
	ReleaseID string `gorm:"primaryKey;size:36;index"`
	CreatedAt time.Time
}

// All returns every persisted entity in dependency order, for migrations.
func All() []interface{} {
	return []interface{}{
		&Registry{},
		&Repository{},
		&RepositoryFallback{},
		&Tag{},
		&Image{},
		&TagImage{},
		&Component{},
		&ComponentVersion{},
		&ImageComponentVersion{},
		&ComponentLocation{},
		&Vulnerability{},
		&VulnerabilityDetails{},
		&ComponentVersionVulnerability{},
		&Release{},
		&TagRelease{},
		&TaskRecord{},
	}
}
