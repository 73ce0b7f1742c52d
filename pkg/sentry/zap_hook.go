// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sentry

import (
	"fmt"
	"math"
	"strconv"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap/zapcore"
)

// GroupingKeys are the log field keys that take part in the Sentry
// fingerprint. Everything else is attached as a tag only.
var GroupingKeys = []string{"operation", "machine_type", "group", "channel"}

// SentryHook is a zapcore.Core that forwards Warn and above to Sentry and
// then writes the entry to the wrapped core.
type SentryHook struct {
	zapcore.Core
}

func NewSentryHook(core zapcore.Core) *SentryHook {
	return &SentryHook{Core: core}
}

func (h *SentryHook) With(fields []zapcore.Field) zapcore.Core {
	return &SentryHook{Core: h.Core.With(fields)}
}

func (h *SentryHook) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if h.Enabled(entry.Level) {
		return ce.AddCore(entry, h)
	}

	return ce
}

func (h *SentryHook) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	if entry.Level >= zapcore.WarnLevel {
		go capture(entry, fields)
	}

	return h.Core.Write(entry, fields)
}

func capture(entry zapcore.Entry, fields []zapcore.Field) {
	level := levelOf(entry.Level)
	tags := fieldTags(fields)

	fingerprint := []string{"{{ default }}", "level: " + getLevelString(level)}
	for _, key := range GroupingKeys {
		if v, ok := tags[key]; ok {
			fingerprint = append(fingerprint, key+": "+v)
		}
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(level)
		scope.SetFingerprint(fingerprint)

		if entry.LoggerName != "" {
			scope.SetTag("component", entry.LoggerName)
		}

		for k, v := range tags {
			scope.SetTag(k, v)
		}

		sentry.CaptureMessage(entry.Message)
	})
}

// fieldTags renders zap fields as strings.
func fieldTags(fields []zapcore.Field) map[string]string {
	tags := make(map[string]string, len(fields))

	for _, f := range fields {
		switch f.Type {
		case zapcore.StringType:
			tags[f.Key] = f.String
		case zapcore.Int64Type, zapcore.Int32Type, zapcore.Int16Type, zapcore.Int8Type, zapcore.DurationType:
			tags[f.Key] = strconv.FormatInt(f.Integer, 10)
		case zapcore.Uint64Type, zapcore.Uint32Type, zapcore.Uint16Type, zapcore.Uint8Type:
			tags[f.Key] = strconv.FormatUint(uint64(f.Integer), 10)
		case zapcore.BoolType:
			tags[f.Key] = strconv.FormatBool(f.Integer == 1)
		case zapcore.Float64Type:
			tags[f.Key] = strconv.FormatFloat(math.Float64frombits(uint64(f.Integer)), 'g', -1, 64)
		case zapcore.ErrorType:
			if err, ok := f.Interface.(error); ok {
				tags[f.Key] = err.Error()
			}
		default:
			if f.Interface != nil {
				tags[f.Key] = fmt.Sprintf("%v", f.Interface)
			}
		}
	}

	return tags
}

func levelOf(level zapcore.Level) sentry.Level {
	switch level {
	case zapcore.DebugLevel:
		return sentry.LevelDebug
	case zapcore.InfoLevel:
		return sentry.LevelInfo
	case zapcore.WarnLevel:
		return sentry.LevelWarning
	case zapcore.ErrorLevel:
		return sentry.LevelError
	default:
		return sentry.LevelFatal
	}
}
