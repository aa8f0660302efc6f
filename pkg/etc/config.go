package etc

import (
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	log "github.com/sirupsen/logrus"
)

type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type Config struct {
	API      API
	Metrics  Metrics
	Database Database
	Redis    RedisPool
	JobQueue JobQueue
	Tools    Tools
	Pipeline Pipeline
	Intel    Intel
	Upstream Upstream
	Schedule Schedule
}

type API struct {
	Addr           string        `env:"SCANNER_API_SERVER_ADDR" envDefault:":8080"`
	TLSCertificate string        `env:"SCANNER_API_SERVER_TLS_CERTIFICATE"`
	TLSKey         string        `env:"SCANNER_API_SERVER_TLS_KEY"`
	ClientCAs      []string      `env:"SCANNER_API_SERVER_CLIENT_CAS"`
	ReadTimeout    time.Duration `env:"SCANNER_API_SERVER_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"SCANNER_API_SERVER_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"SCANNER_API_SERVER_IDLE_TIMEOUT" envDefault:"60s"`
}

func (c *API) IsTLSEnabled() bool {
	return c.TLSCertificate != "" && c.TLSKey != ""
}

type Metrics struct {
	Addr     string `env:"SCANNER_METRICS_ADDR" envDefault:":9090"`
	Endpoint string `env:"SCANNER_METRICS_ENDPOINT" envDefault:"/metrics"`
}

// Database selects the relational store behind the persistence gateway.
// Dialect is one of postgres, mysql or sqlite.
type Database struct {
	Dialect         string        `env:"SCANNER_DB_DIALECT" envDefault:"postgres"`
	DSN             string        `env:"SCANNER_DB_DSN" envDefault:"host=localhost user=hitrack password=hitrack dbname=hitrack port=5432 sslmode=disable"`
	MaxOpenConns    int           `env:"SCANNER_DB_MAX_OPEN_CONNS" envDefault:"20"`
	MaxIdleConns    int           `env:"SCANNER_DB_MAX_IDLE_CONNS" envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"SCANNER_DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	AutoMigrate     bool          `env:"SCANNER_DB_AUTO_MIGRATE" envDefault:"true"`
}

type RedisPool struct {
	URL               string        `env:"SCANNER_REDIS_URL" envDefault:"redis://localhost:6379"`
	MaxActive         int           `env:"SCANNER_REDIS_POOL_MAX_ACTIVE" envDefault:"5"`
	MaxIdle           int           `env:"SCANNER_REDIS_POOL_MAX_IDLE" envDefault:"5"`
	IdleTimeout       time.Duration `env:"SCANNER_REDIS_POOL_IDLE_TIMEOUT" envDefault:"5m"`
	ConnectionTimeout time.Duration `env:"SCANNER_REDIS_POOL_CONNECTION_TIMEOUT" envDefault:"1s"`
	ReadTimeout       time.Duration `env:"SCANNER_REDIS_POOL_READ_TIMEOUT" envDefault:"1s"`
	WriteTimeout      time.Duration `env:"SCANNER_REDIS_POOL_WRITE_TIMEOUT" envDefault:"1s"`
}

type JobQueue struct {
	Namespace         string        `env:"SCANNER_JOB_QUEUE_REDIS_NAMESPACE" envDefault:"hitrack.scanner:job-queue"`
	WorkerConcurrency int           `env:"SCANNER_JOB_QUEUE_WORKER_CONCURRENCY" envDefault:"4"`
	PollTimeout       time.Duration `env:"SCANNER_JOB_QUEUE_POLL_TIMEOUT" envDefault:"5s"`
	LockTTL           time.Duration `env:"SCANNER_JOB_QUEUE_LOCK_TTL" envDefault:"2h"`
	ResultTTL         time.Duration `env:"SCANNER_JOB_QUEUE_RESULT_TTL" envDefault:"24h"`
	DefaultTimeLimit  time.Duration `env:"SCANNER_JOB_QUEUE_DEFAULT_TIME_LIMIT" envDefault:"0s"`
	DiscoveryLimit    time.Duration `env:"SCANNER_JOB_QUEUE_DISCOVERY_TIME_LIMIT" envDefault:"1h"`
}

// Tools points at the external binaries the scan pipeline shells out to.
type Tools struct {
	SyftPath    string        `env:"SCANNER_SYFT_PATH" envDefault:"syft"`
	GrypePath   string        `env:"SCANNER_GRYPE_PATH" envDefault:"grype"`
	HelmPath    string        `env:"SCANNER_HELM_PATH" envDefault:"helm"`
	AptPath     string        `env:"SCANNER_APT_CACHE_PATH" envDefault:"apt-cache"`
	WorkDir     string        `env:"SCANNER_WORK_DIR" envDefault:"/tmp/hitrack"`
	Timeout     time.Duration `env:"SCANNER_TOOL_TIMEOUT" envDefault:"0s"`
	PullTimeout time.Duration `env:"SCANNER_PULL_TIMEOUT" envDefault:"10m"`
	Insecure    bool          `env:"SCANNER_REGISTRY_INSECURE" envDefault:"false"`
}

type Pipeline struct {
	MaxRetries       int           `env:"SCANNER_PIPELINE_MAX_RETRIES" envDefault:"1"`
	RetryBase        time.Duration `env:"SCANNER_PIPELINE_RETRY_BASE" envDefault:"60s"`
	SBOMBatchSize    int           `env:"SCANNER_PIPELINE_SBOM_BATCH_SIZE" envDefault:"1000"`
	TagsPerRepo      int           `env:"SCANNER_PIPELINE_TAGS_PER_REPOSITORY" envDefault:"10"`
	CatalogPageSize  int           `env:"SCANNER_PIPELINE_CATALOG_PAGE_SIZE" envDefault:"100"`
	StuckImageTTL    time.Duration `env:"SCANNER_STUCK_IMAGE_TTL" envDefault:"6h"`
	OldTagAge        time.Duration `env:"SCANNER_OLD_TAG_AGE" envDefault:"0s"`
	MonitorInterval  time.Duration `env:"SCANNER_BULK_MONITOR_INTERVAL" envDefault:"30s"`
	MonitorDeadline  time.Duration `env:"SCANNER_BULK_MONITOR_DEADLINE" envDefault:"6h"`
	FallbackUsername string        `env:"SCANNER_FALLBACK_REGISTRY_USERNAME"`
	FallbackPassword string        `env:"SCANNER_FALLBACK_REGISTRY_PASSWORD"`
}

type Intel struct {
	CIRCLURL         string        `env:"SCANNER_INTEL_CIRCL_URL" envDefault:"https://cve.circl.lu/api/cve"`
	KEVURL           string        `env:"SCANNER_INTEL_KEV_URL" envDefault:"https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"`
	ExploitDBURL     string        `env:"SCANNER_INTEL_EXPLOITDB_URL" envDefault:"https://gitlab.com/exploit-database/exploitdb/-/raw/main/files_exploits.csv"`
	EPSSURL          string        `env:"SCANNER_INTEL_EPSS_URL" envDefault:"https://api.first.org/data/v1/epss"`
	Timeout          time.Duration `env:"SCANNER_INTEL_TIMEOUT" envDefault:"15s"`
	Retries          int           `env:"SCANNER_INTEL_RETRIES" envDefault:"1"`
	BatchSize        int           `env:"SCANNER_INTEL_BATCH_SIZE" envDefault:"50"`
	BatchDelay       time.Duration `env:"SCANNER_INTEL_BATCH_DELAY" envDefault:"2s"`
	RequestsPerSec   float64       `env:"SCANNER_INTEL_REQUESTS_PER_SECOND" envDefault:"5"`
	FeedTTL          time.Duration `env:"SCANNER_INTEL_FEED_TTL" envDefault:"12h"`
	StandardStale    time.Duration `env:"SCANNER_INTEL_STANDARD_STALENESS" envDefault:"24h"`
	PriorityStale    time.Duration `env:"SCANNER_INTEL_PRIORITY_STALENESS" envDefault:"6h"`
	DetailsRetention time.Duration `env:"SCANNER_INTEL_DETAILS_RETENTION" envDefault:"720h"`
}

type Upstream struct {
	PyPIURL     string        `env:"SCANNER_UPSTREAM_PYPI_URL" envDefault:"https://pypi.org/pypi"`
	NPMURL      string        `env:"SCANNER_UPSTREAM_NPM_URL" envDefault:"https://registry.npmjs.org"`
	NuGetURL    string        `env:"SCANNER_UPSTREAM_NUGET_URL" envDefault:"https://api.nuget.org/v3-flatcontainer"`
	GoProxyURL  string        `env:"SCANNER_UPSTREAM_GOPROXY_URL" envDefault:"https://proxy.golang.org"`
	GoDLURL     string        `env:"SCANNER_UPSTREAM_GODL_URL" envDefault:"https://go.dev/dl/?mode=json"`
	Timeout     time.Duration `env:"SCANNER_UPSTREAM_TIMEOUT" envDefault:"5s"`
	StaleWindow time.Duration `env:"SCANNER_UPSTREAM_STALE_WINDOW" envDefault:"96h"`
}

// Schedule holds cron expressions for the periodic jobs. Blank disables a job.
type Schedule struct {
	Discovery      string        `env:"SCANNER_SCHEDULE_DISCOVERY" envDefault:"0 3 * * *"`
	LatestVersions string        `env:"SCANNER_SCHEDULE_LATEST_VERSIONS" envDefault:"0 4 * * *"`
	Enrichment     string        `env:"SCANNER_SCHEDULE_ENRICHMENT" envDefault:"0 5 * * *"`
	PriorityEnrich string        `env:"SCANNER_SCHEDULE_PRIORITY_ENRICHMENT" envDefault:"0 */6 * * *"`
	OrphanCleanup  string        `env:"SCANNER_SCHEDULE_ORPHAN_CLEANUP" envDefault:"30 2 * * *"`
	DetailsCleanup string        `env:"SCANNER_SCHEDULE_DETAILS_CLEANUP" envDefault:"45 2 * * 0"`
	StuckImageReap string        `env:"SCANNER_SCHEDULE_STUCK_IMAGE_REAPER" envDefault:"*/30 * * * *"`
	OldTagsCleanup string        `env:"SCANNER_SCHEDULE_OLD_TAGS_CLEANUP"`
	Tick           time.Duration `env:"SCANNER_SCHEDULE_TICK" envDefault:"30s"`
}

func GetLogLevel() log.Level {
	if value, ok := os.LookupEnv("SCANNER_LOG_LEVEL"); ok {
		level, err := log.ParseLevel(value)
		if err != nil {
			return log.InfoLevel
		}
		return level
	}
	return log.InfoLevel
}

func GetConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
