package raft

import (
	"fmt"
	"log/slog"

	etcdraft "go.etcd.io/raft/v3"
)

// Logger routes etcd raft's logging into slog. etcd's info chatter goes to
// debug; warnings and errors keep their level.
type Logger struct {
	l *slog.Logger
}

var _ etcdraft.Logger = (*Logger)(nil)

func NewLogger(base *slog.Logger) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{l: base.WithGroup("raft")}
}

func (l *Logger) Debug(v ...any) { l.l.Debug(fmt.Sprint(v...)) }

func (l *Logger) Info(v ...any) { l.l.Debug(fmt.Sprint(v...)) }

func (l *Logger) Warning(v ...any) { l.l.Warn(fmt.Sprint(v...)) }

func (l *Logger) Error(v ...any) { l.l.Error(fmt.Sprint(v...)) }

// Fatal panics instead of exiting: one broken area must not take the whole
// host down, and the group recovers the panic.
func (l *Logger) Fatal(v ...any) {
	msg := fmt.Sprint(v...)
	l.l.Error(msg)
	panic(msg)
}

func (l *Logger) Panic(v ...any) {
	msg := fmt.Sprint(v...)
	l.l.Error(msg)
	panic(msg)
}

func (l *Logger) Debugf(format string, v ...any) { l.l.Debug(fmt.Sprintf(format, v...)) }

func (l *Logger) Infof(format string, v ...any) { l.l.Debug(fmt.Sprintf(format, v...)) }

func (l *Logger) Warningf(format string, v ...any) { l.l.Warn(fmt.Sprintf(format, v...)) }

func (l *Logger) Errorf(format string, v ...any) { l.l.Error(fmt.Sprintf(format, v...)) }

func (l *Logger) Fatalf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	l.l.Error(msg)
	panic(msg)
}

func (l *Logger) Panicf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	l.l.Error(msg)
	panic(msg)
}
