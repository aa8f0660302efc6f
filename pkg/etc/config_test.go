package etc

import (
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Envs map[string]string

func TestGetLogLevel(t *testing.T) {
	testCases := []struct {
		Name             string
		Envs             Envs
		ExpectedLogLevel logrus.Level
	}{
		{
			Name:             "Should return default log level when env is not set",
			ExpectedLogLevel: logrus.InfoLevel,
		},
		{
			Name: "Should return default log level when env has invalid value",
			Envs: Envs{
				"SCANNER_LOG_LEVEL": "unknown_level",
			},
			ExpectedLogLevel: logrus.InfoLevel,
		},
		{
			Name: "Should return log level set as env",
			Envs: Envs{
				"SCANNER_LOG_LEVEL": "trace",
			},
			ExpectedLogLevel: logrus.TraceLevel,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			setenvs(t, tc.Envs)
			assert.Equal(t, tc.ExpectedLogLevel, GetLogLevel())
		})
	}
}

func TestGetConfig(t *testing.T) {
	testCases := []struct {
		Name   string
		Envs   Envs
		Assert func(t *testing.T, config Config)
	}{
		{
			Name: "Should return default config",
			Assert: func(t *testing.T, config Config) {
				assert.Equal(t, API{
					Addr:         ":8080",
					ReadTimeout:  parseDuration(t, "15s"),
					WriteTimeout: parseDuration(t, "15s"),
					IdleTimeout:  parseDuration(t, "60s"),
				}, config.API)
				assert.Equal(t, "postgres", config.Database.Dialect)
				assert.Equal(t, "redis://localhost:6379", config.Redis.URL)
				assert.Equal(t, "hitrack.scanner:job-queue", config.JobQueue.Namespace)
				assert.Equal(t, parseDuration(t, "1h"), config.JobQueue.DiscoveryLimit)
				assert.Equal(t, 1, config.Pipeline.MaxRetries)
				assert.Equal(t, parseDuration(t, "60s"), config.Pipeline.RetryBase)
				assert.Equal(t, 1000, config.Pipeline.SBOMBatchSize)
				assert.Equal(t, 10, config.Pipeline.TagsPerRepo)
				assert.Equal(t, 50, config.Intel.BatchSize)
				assert.Equal(t, parseDuration(t, "24h"), config.Intel.StandardStale)
				assert.Equal(t, parseDuration(t, "720h"), config.Intel.DetailsRetention)
				assert.Equal(t, parseDuration(t, "96h"), config.Upstream.StaleWindow)
				assert.Equal(t, "0 3 * * *", config.Schedule.Discovery)
				assert.Empty(t, config.Schedule.OldTagsCleanup)
			},
		},
		{
			Name: "Should overwrite default config with environment variables",
			Envs: Envs{
				"SCANNER_API_SERVER_ADDR":              ":4200",
				"SCANNER_API_SERVER_READ_TIMEOUT":      "1h",
				"SCANNER_DB_DIALECT":                   "mysql",
				"SCANNER_JOB_QUEUE_WORKER_CONCURRENCY": "16",
				"SCANNER_PIPELINE_MAX_RETRIES":         "3",
				"SCANNER_STUCK_IMAGE_TTL":              "2h",
				"SCANNER_API_SERVER_CLIENT_CAS":        "a.crt,b.crt",
			},
			Assert: func(t *testing.T, config Config) {
				assert.Equal(t, ":4200", config.API.Addr)
				assert.Equal(t, parseDuration(t, "1h"), config.API.ReadTimeout)
				assert.Equal(t, []string{"a.crt", "b.crt"}, config.API.ClientCAs)
				assert.Equal(t, "mysql", config.Database.Dialect)
				assert.Equal(t, 16, config.JobQueue.WorkerConcurrency)
				assert.Equal(t, 3, config.Pipeline.MaxRetries)
				assert.Equal(t, parseDuration(t, "2h"), config.Pipeline.StuckImageTTL)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			setenvs(t, tc.Envs)
			config, err := GetConfig()
			require.NoError(t, err)
			tc.Assert(t, config)
		})
	}
}

func setenvs(t *testing.T, envs Envs) {
	t.Helper()
	os.Clearenv()
	for k, v := range envs {
		err := os.Setenv(k, v)
		require.NoError(t, err)
	}
}

func parseDuration(t *testing.T, s string) time.Duration {
	t.Helper()
	duration, err := time.ParseDuration(s)
	require.NoError(t, err)
	return duration
}
