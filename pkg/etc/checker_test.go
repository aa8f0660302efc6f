package etc

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Database: Database{
			Dialect:      "sqlite",
			DSN:          ":memory:",
			MaxOpenConns: 1,
		},
		JobQueue: JobQueue{WorkerConcurrency: 1},
		Tools:    Tools{WorkDir: path.Join(t.TempDir(), "work")},
		Pipeline: Pipeline{SBOMBatchSize: 1000, MaxRetries: 1},
		Intel:    Intel{BatchSize: 50},
		Schedule: Schedule{Discovery: "0 3 * * *"},
	}
}

func TestCheck(t *testing.T) {

	t.Run("Should create work dir", func(t *testing.T) {
		config := validConfig(t)

		err := Check(config)

		assert.NoError(t, err)
		assert.True(t, dirExists(config.Tools.WorkDir))
	})

	t.Run("Should return error when work dir is blank", func(t *testing.T) {
		config := validConfig(t)
		config.Tools.WorkDir = ""

		err := Check(config)
		assert.EqualError(t, err, "work dir must not be blank")
	})

	t.Run("Should return error when TLS certificate does not exist", func(t *testing.T) {
		tempDir := t.TempDir()
		certFile := path.Join(tempDir, "tls.crt")
		keyFile := path.Join(tempDir, "tls.key")

		f, err := os.Create(keyFile)
		require.NoError(t, err)
		_ = f.Close()

		config := validConfig(t)
		config.API = API{TLSCertificate: certFile, TLSKey: keyFile}

		err = Check(config)
		assert.EqualError(t, err, fmt.Sprintf("TLS certificate file does not exist: %s", certFile))
	})

	t.Run("Should return error when one of ClientCAs does not exist", func(t *testing.T) {
		tempDir := t.TempDir()
		certFile := path.Join(tempDir, "tls.crt")
		keyFile := path.Join(tempDir, "tls.key")
		clientCA1File := path.Join(tempDir, "clientCA1.crt")
		clientCA2File := path.Join(tempDir, "clientCA2.crt")

		for _, file := range []string{certFile, keyFile, clientCA1File} {
			f, err := os.Create(file)
			require.NoError(t, err)
			_ = f.Close()
		}

		config := validConfig(t)
		config.API = API{
			TLSCertificate: certFile,
			TLSKey:         keyFile,
			ClientCAs:      []string{clientCA1File, clientCA2File},
		}

		err := Check(config)
		assert.EqualError(t, err, fmt.Sprintf("ClientCA file does not exist: %s", clientCA2File))
	})

	t.Run("Should return error when database dialect is unsupported", func(t *testing.T) {
		config := validConfig(t)
		config.Database.Dialect = "oracle"

		err := Check(config)
		assert.EqualError(t, err, "database configuration is invalid: unsupported dialect: oracle")
	})

	t.Run("Should return error when worker concurrency is zero", func(t *testing.T) {
		config := validConfig(t)
		config.JobQueue.WorkerConcurrency = 0

		err := Check(config)
		assert.EqualError(t, err, "worker concurrency cannot be less than 1")
	})

	t.Run("Should return error when intel batch size exceeds the API limit", func(t *testing.T) {
		config := validConfig(t)
		config.Intel.BatchSize = 500

		err := Check(config)
		assert.EqualError(t, err, "intel batch size must be between 1 and 100")
	})

	t.Run("Should return error when cron expression is malformed", func(t *testing.T) {
		config := validConfig(t)
		config.Schedule.OrphanCleanup = "every day"

		err := Check(config)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schedule configuration is invalid: orphan cleanup")
	})

	t.Run("Should skip blank cron expressions", func(t *testing.T) {
		config := validConfig(t)
		config.Schedule.OldTagsCleanup = ""

		assert.NoError(t, Check(config))
	})
}
