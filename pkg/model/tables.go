package model

func (Registry) TableName() string                      { return "registries" }
func (Repository) TableName() string                    { return "repositories" }
func (RepositoryFallback) TableName() string            { return "repository_fallbacks" }
func (Tag) TableName() string                           { return "tags" }
func (Image) TableName() string                         { return "images" }
func (TagImage) TableName() string                      { return "tag_images" }
func (Component) TableName() string                     { return "components" }
func (ComponentVersion) TableName() string              { return "component_versions" }
func (ImageComponentVersion) TableName() string         { return "image_component_versions" }
func (ComponentLocation) TableName() string             { return "component_locations" }
func (Vulnerability) TableName() string                 { return "vulnerabilities" }
func (VulnerabilityDetails) TableName() string          { return "vulnerability_details" }
func (ComponentVersionVulnerability) TableName() string { return "component_version_vulnerabilities" }
func (Release) TableName() string                       { return "releases" }
func (TagRelease) TableName() string                    { return "tag_releases" }
func (TaskRecord) TableName() string                    { return "task_records" }
