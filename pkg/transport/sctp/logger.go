// SPDX-FileCopyrightText: 2022 dtn7 contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package sctp

import (
	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
)

// loggerFactory hands logrus backed loggers to the SCTP stack.
type loggerFactory struct{}

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{entry: log.WithField("scope", scope)}
}

// leveledLogger maps the SCTP stack's log levels onto logrus. Its Info level is
// rather chatty, so it is lowered to Debug.
type leveledLogger struct {
	entry *log.Entry
}

func (l *leveledLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *leveledLogger) Debug(msg string)                          { l.entry.Trace(msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l *leveledLogger) Info(msg string)                           { l.entry.Debug(msg) }
func (l *leveledLogger) Infof(format string, args ...interface{})  { l.entry.Debugf(format, args...) }
func (l *leveledLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *leveledLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
