//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// recordingLogger captures calls for assertions.
type recordingLogger struct {
	calls []string
}

func (r *recordingLogger) Debug(args ...any)                 { r.calls = append(r.calls, "debug") }
func (r *recordingLogger) Debugf(format string, args ...any) { r.calls = append(r.calls, "debugf") }
func (r *recordingLogger) Info(args ...any)                  { r.calls = append(r.calls, "info") }
func (r *recordingLogger) Infof(format string, args ...any)  { r.calls = append(r.calls, "infof") }
func (r *recordingLogger) Warn(args ...any)                  { r.calls = append(r.calls, "warn") }
func (r *recordingLogger) Warnf(format string, args ...any)  { r.calls = append(r.calls, "warnf") }
func (r *recordingLogger) Error(args ...any)                 { r.calls = append(r.calls, "error") }
func (r *recordingLogger) Errorf(format string, args ...any) { r.calls = append(r.calls, "errorf") }
func (r *recordingLogger) Fatal(args ...any)                 { r.calls = append(r.calls, "fatal") }
func (r *recordingLogger) Fatalf(format string, args ...any) { r.calls = append(r.calls, "fatalf") }

func TestPackageFuncsDelegateToDefault(t *testing.T) {
	original := Default
	defer func() { Default = original }()

	rec := &recordingLogger{}
	Default = rec

	Debug("d")
	Debugf("%s", "d")
	Info("i")
	Infof("%s", "i")
	Warn("w")
	Warnf("%s", "w")
	Error("e")
	Errorf("%s", "e")

	assert.Equal(t, []string{
		"debug", "debugf", "info", "infof", "warn", "warnf", "error", "errorf",
	}, rec.calls)
}

func TestSetLevelAcceptsKnownLevels(t *testing.T) {
	defer SetLevel(LevelInfo)

	for _, level := range []string{LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal, "bogus"} {
		SetLevel(level)
	}
}
