package model

// Status is the processing state shared by repositories, tags and images.
//
//	none -> pending -> in_process -> success | error
type Status string

const (
	StatusNone      Status = "none"
	StatusPending   Status = "pending"
	StatusInProcess Status = "in_process"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
)

// Claimable lists the states a worker may move to in_process.
var Claimable = []Status{StatusNone, StatusPending}

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusError
}

// IsBusy reports whether a new scan must not be triggered for an entity in this state.
func (s Status) IsBusy() bool {
	return s == StatusPending || s == StatusInProcess
}

type RepositoryType string

const (
	RepositoryTypeDocker RepositoryType = "docker"
	RepositoryTypeHelm   RepositoryType = "helm"
	RepositoryTypeNone   RepositoryType = "none"
)

type Provider string

const (
	ProviderACR       Provider = "acr"
	ProviderJFrog     Provider = "jfrog"
	ProviderGCR       Provider = "gcr"
	ProviderDockerHub Provider = "dockerhub"
	ProviderHarbor    Provider = "harbor"
)

type VulnerabilityType string

const (
	VulnerabilityTypeCVE     VulnerabilityType = "CVE"
	VulnerabilityTypeGHSA    VulnerabilityType = "GHSA"
	VulnerabilityTypeRUSTSEC VulnerabilityType = "RUSTSEC"
	VulnerabilityTypePYSEC   VulnerabilityType = "PYSEC"
	VulnerabilityTypeNPM     VulnerabilityType = "NPM"
)

// ComponentTypeUnknown is the placeholder type an SBOM artifact gets when the
// generator could not classify it. A later artifact with a concrete type wins.
const ComponentTypeUnknown = "unknown"

// DataSourceManual marks a details record that no external source contributed to.
const DataSourceManual = "manual"
