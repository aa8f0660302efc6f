package etc

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gorhill/cronexpr"
	log "github.com/sirupsen/logrus"
)

// Check checks config values to fail fast in case of any problems
// that we might have due to invalid config.
func Check(config Config) (err error) {
	log.WithFields(log.Fields{
		"pid": os.Getpid(),
	}).Debug("Current process")

	log.WithFields(log.Fields{
		"uid":      os.Getuid(),
		"gid":      os.Getegid(),
		"home_dir": os.Getenv("HOME"),
	}).Debug("Current user")

	if config.Tools.WorkDir == "" {
		err = errors.New("work dir must not be blank")
		return
	}

	if err = ensureDirExists(config.Tools.WorkDir, "work dir"); err != nil {
		return
	}

	if config.API.IsTLSEnabled() {
		if !fileExists(config.API.TLSCertificate) {
			err = fmt.Errorf("TLS certificate file does not exist: %s", config.API.TLSCertificate)
			return
		}
		if !fileExists(config.API.TLSKey) {
			err = fmt.Errorf("TLS private key file does not exist: %s", config.API.TLSKey)
			return
		}
		for _, clientCA := range config.API.ClientCAs {
			if !fileExists(clientCA) {
				err = fmt.Errorf("ClientCA file does not exist: %s", clientCA)
				return
			}
		}
	}

	if err = checkDatabase(config.Database); err != nil {
		return fmt.Errorf("database configuration is invalid: %w", err)
	}

	if config.JobQueue.WorkerConcurrency < 1 {
		return errors.New("worker concurrency cannot be less than 1")
	}

	if config.Pipeline.SBOMBatchSize < 1 {
		return errors.New("SBOM batch size cannot be less than 1")
	}

	if config.Pipeline.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}

	if config.Intel.BatchSize < 1 || config.Intel.BatchSize > 100 {
		return errors.New("intel batch size must be between 1 and 100")
	}

	if err = checkSchedule(config.Schedule); err != nil {
		return fmt.Errorf("schedule configuration is invalid: %w", err)
	}

	return
}

func checkDatabase(config Database) error {
	switch strings.ToLower(config.Dialect) {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported dialect: %s", config.Dialect)
	}
	if config.DSN == "" {
		return errors.New("DSN must not be blank")
	}
	if config.MaxOpenConns < 1 {
		return errors.New("MaxOpenConns cannot be less than 1")
	}
	return nil
}

func checkSchedule(config Schedule) error {
	for name, expr := range map[string]string{
		"discovery":           config.Discovery,
		"latest versions":     config.LatestVersions,
		"enrichment":          config.Enrichment,
		"priority enrichment": config.PriorityEnrich,
		"orphan cleanup":      config.OrphanCleanup,
		"details cleanup":     config.DetailsCleanup,
		"stuck image reaper":  config.StuckImageReap,
		"old tags cleanup":    config.OldTagsCleanup,
	} {
		if expr == "" {
			continue
		}
		if _, err := cronexpr.Parse(expr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func ensureDirExists(path, description string) (err error) {
	if !dirExists(path) {
		log.WithField("path", path).Warnf("%s does not exist", description)
		log.WithField("path", path).Debugf("Creating %s", description)
		if err = os.MkdirAll(path, 0777); err != nil {
			err = fmt.Errorf("creating %s: %w", description, err)
			return
		}
	}
	fi, err := os.Stat(path)
	if err != nil {
		return
	}

	log.WithFields(log.Fields{
		"mode": fi.Mode().String(),
	}).Debugf("%s permissions", description)
	return
}

func dirExists(name string) bool {
	info, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false
	}
	return info.IsDir()
}

// fileExists checks if a file exists and is not a directory.
func fileExists(name string) bool {
	info, err := os.Stat(name)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}
