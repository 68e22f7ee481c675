package store

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/hashicorp/logutils"
	"github.com/redis/go-redis/v9"
)

// redisLogger adapts the redis client's internal logger to a filtered
// standard logger. The client does not tag its messages, so they are tagged
// as warnings; almost everything it prints is a connection complaint.
type redisLogger struct {
	l *log.Logger
}

// Printf implements the client's internal logging interface.
func (r redisLogger) Printf(ctx context.Context, format string, v ...interface{}) {
	r.l.Printf("[WARN] redis: "+format, v...)
}

// ConfigureClientLogging routes the redis client's internal messages through
// a level filter so only messages at or above the configured level reach the
// process output. The client logger is package-global, so this applies to
// every client in the process.
func ConfigureClientLogging(minLevel string) {
	logFilter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(minLevel),
		Writer:   io.Discard,
	}

	// The connection manager already logs connection trouble through zap;
	// the client's own output is only interesting when debugging.
	if minLevel == "DEBUG" || minLevel == "INFO" {
		logFilter.Writer = os.Stdout
	}

	redis.SetLogger(redisLogger{l: log.New(logFilter, "", log.LstdFlags)})
}
