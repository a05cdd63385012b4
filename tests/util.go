package testutil

import (
	"fmt"
	"time"

	"github.com/trezcool/alama/core"
)

// NewConfig returns a self-contained test configuration; no env files, no
// external services.
func NewConfig() *core.Config {
	return &core.Config{
		Debug:     true,
		TestMode:  true,
		Env:       "test",
		AppName:   "Alama",
		SecretKey: "secret",
		Server: core.ServerConfig{
			JWTExpirationDelta:        10 * time.Minute,
			JWTRefreshExpirationDelta: 4 * time.Hour,
		},
		Grading: core.GradingConfig{
			FinalWeight:      0.6,
			ContinuousWeight: 0.4,
			PassThreshold:    5.0,
		},
	}
}

// Logger is a core.Logger that collects messages in memory.
type Logger struct {
	Messages []string
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string, args []interface{}) {
	entry := level + ": " + msg
	for _, arg := range args {
		entry += fmt.Sprintf(" %+v", arg)
	}
	l.Messages = append(l.Messages, entry)
}

func (l *Logger) Debug(msg string, args ...interface{}) { l.log("DEBUG", msg, args) }
func (l *Logger) Info(msg string, args ...interface{})  { l.log("INFO", msg, args) }
func (l *Logger) Warn(msg string, args ...interface{})  { l.log("WARN", msg, args) }
func (l *Logger) Error(msg string, args ...interface{}) { l.log("ERROR", msg, args) }
func (l *Logger) Fatal(msg string, args ...interface{}) {
	l.log("FATAL", msg, args)
	panic(msg)
}
