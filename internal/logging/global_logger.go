// Package logging configures the process-wide logrus logger and provides Gin
// middleware for request logging and panic recovery.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logFileName = "ccswitch.log"

var (
	setupOnce  sync.Once
	outputMu   sync.Mutex
	fileWriter *lumberjack.Logger
)

// SetupBaseLogger installs the shared text formatter and default level.
// It is safe to call more than once; only the first call has an effect.
func SetupBaseLogger() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(false)
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
			PadLevelText:    true,
		})
		log.SetLevel(log.InfoLevel)
	})
}

// SetLogLevel maps a user-facing level name to a logrus level.
// Unknown names fall back to info.
func SetLogLevel(level string) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		log.SetLevel(log.DebugLevel)
	case "warn", "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "quiet", "silent":
		log.SetLevel(log.FatalLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

// ConfigureLogOutput switches the logger between stdout and a rotating file in dir.
// maxSizeMB <= 0 uses lumberjack's default of 100MB.
func ConfigureLogOutput(toFile bool, dir string, maxSizeMB int) error {
	outputMu.Lock()
	defer outputMu.Unlock()

	if !toFile {
		closeFileWriter()
		log.SetOutput(os.Stdout)
		return nil
	}

	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	closeFileWriter()
	fileWriter = &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFileName),
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		Compress:   false,
	}
	log.SetOutput(io.Writer(fileWriter))
	return nil
}

func closeFileWriter() {
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}
