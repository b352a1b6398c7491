// Package logger holds the structured logger every component takes and a
// discard implementation for callers that pass none.
package logger

import (
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

type Logger = sdklogging.Logger

// New builds the zap backed logger for the given environment
// ("development" or "production").
func New(environment string) (Logger, error) {
	switch sdklogging.LogLevel(environment) {
	case sdklogging.Development, sdklogging.Production:
	case "":
		environment = string(sdklogging.Production)
	default:
		return nil, fmt.Errorf("unknown environment %q, use development or production", environment)
	}
	return sdklogging.NewZapLogger(sdklogging.LogLevel(environment))
}

// Discard drops everything.
type Discard struct{}

func (l *Discard) Info(msg string, keysAndValues ...interface{})  {}
func (l *Discard) Infof(format string, args ...interface{})       {}
func (l *Discard) Debug(msg string, keysAndValues ...interface{}) {}
func (l *Discard) Debugf(format string, args ...interface{})      {}
func (l *Discard) Error(msg string, keysAndValues ...interface{}) {}
func (l *Discard) Errorf(format string, args ...interface{})      {}
func (l *Discard) Warn(msg string, keysAndValues ...interface{})  {}
func (l *Discard) Warnf(format string, args ...interface{})       {}
func (l *Discard) Fatal(msg string, keysAndValues ...interface{}) {}
func (l *Discard) Fatalf(format string, args ...interface{})      {}
func (l *Discard) With(keysAndValues ...interface{}) Logger       { return l }
func (l *Discard) WithComponent(componentName string) Logger      { return l }
func (l *Discard) WithName(name string) Logger                    { return l }
func (l *Discard) WithServiceName(serviceName string) Logger      { return l }
func (l *Discard) WithHostName(hostName string) Logger            { return l }
func (l *Discard) Sync() error                                    { return nil }

// EnsureLogger returns l, or a Discard logger when l is nil.
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return &Discard{}
	}
	return l
}
