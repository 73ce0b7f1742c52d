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
	"bytes"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/DataDog/gostackparse"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const (
	// maxStackDump bounds the goroutine dump attached to error events. With
	// many machines blocked on their locks the dump grows with the fleet.
	maxStackDump = 8 << 20

	modulePrefix = "github.com/united-manufacturing-hub/bigmachines/"
)

// debounceWindow is the minimum distance between two events of the same level.
const debounceWindow = 2 * time.Hour

type debouncer struct {
	lastSent time.Time
	mu       sync.Mutex
}

// allow reports whether an event may be sent now and records the send.
func (d *debouncer) allow() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if shouldDebounceErrors && time.Since(d.lastSent) < debounceWindow {
		return false
	}

	d.lastSent = time.Now()

	return true
}

var (
	errorDebouncer   = &debouncer{lastSent: time.Now().Add(-24 * time.Hour)}
	warningDebouncer = &debouncer{lastSent: time.Now().Add(-24 * time.Hour)}
)

// reportFatal sends a fatal error to Sentry and panics afterwards.
func reportFatal(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Error("bigmachines has encountered a fatal error and will now terminate.")
	log.Errorf("Error: %s", err)
	log.Errorf("Stack trace: %s", string(debug.Stack()))

	sendSentryEvent(createSentryEventWithContext(sentry.LevelFatal, err, context))
	sentry.Flush(5 * time.Second)

	log.Panic("Fatal error")
}

// reportError always logs, the sentry event is debounced.
func reportError(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Errorw(err.Error(), contextFields(context)...)

	if !errorDebouncer.allow() {
		return
	}

	sendSentryEvent(createSentryEventWithContext(sentry.LevelError, err, context))
}

func reportWarning(err error, log *zap.SugaredLogger, context map[string]interface{}) {
	log.Warnw(err.Error(), contextFields(context)...)

	if !warningDebouncer.allow() {
		return
	}

	sendSentryEvent(createSentryEventWithContext(sentry.LevelWarning, err, context))
}

// goroutineThreads dumps all goroutines, both parsed as sentry threads and
// raw. The goroutine calling it comes first in the dump and is marked
// current. A dump that does not parse is returned raw only.
func goroutineThreads() ([]sentry.Thread, []byte) {
	dump := dumpGoroutines()

	goroutines, errs := gostackparse.Parse(bytes.NewReader(dump))
	if len(errs) > 0 && len(goroutines) == 0 {
		return nil, dump
	}

	threads := make([]sentry.Thread, 0, len(goroutines))

	for i, g := range goroutines {
		frames := make([]sentry.Frame, 0, len(g.Stack))
		for _, f := range g.Stack {
			frames = append(frames, sentry.Frame{
				Function: f.Func,
				Filename: filepath.Base(f.File),
				AbsPath:  f.File,
				Lineno:   f.Line,
				InApp:    strings.HasPrefix(f.Func, modulePrefix),
			})
		}

		name := "goroutine " + strconv.Itoa(g.ID) + " [" + g.State + "]"
		if g.LockedToThread {
			name += " locked to thread"
		}

		threads = append(threads, sentry.Thread{
			ID:         strconv.Itoa(g.ID),
			Name:       name,
			Current:    i == 0,
			Stacktrace: &sentry.Stacktrace{Frames: frames},
		})
	}

	return threads, dump
}

// dumpGoroutines grows the buffer until the dump fits or maxStackDump is
// reached, in which case the dump is truncated.
func dumpGoroutines() []byte {
	for size := 64 << 10; ; size *= 2 {
		size = min(size, maxStackDump)
		buf := make([]byte, size)

		n := runtime.Stack(buf, true)
		if n < size || size == maxStackDump {
			return buf[:n]
		}
	}
}

func contextFields(context map[string]interface{}) []interface{} {
	fields := make([]interface{}, 0, 2*len(context))
	for k, v := range context {
		fields = append(fields, k, v)
	}

	return fields
}
