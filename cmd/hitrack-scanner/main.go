package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/hitrack/hitrack-scanner/pkg/etc"
)

var (
	// Default wise GoReleaser sets three ldflags:
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetLevel(etc.GetLogLevel())
	log.SetReportCaller(false)
	log.SetFormatter(&log.JSONFormatter{})

	info := etc.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	if err := newRootCommand(info).Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
