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

package control

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/bigmachines/pkg/machine"
	"github.com/united-manufacturing-hub/bigmachines/pkg/metrics"
	"github.com/united-manufacturing-hub/bigmachines/pkg/sentry"
)

// MachineError is a failure that escaped a machine handler. The machine has
// already been terminated when the error reaches the exception handler.
type MachineError struct {
	Time       time.Time
	Err        error
	Machine    *machine.Machine
	Identifier any
	Type       string
	Operation  string
}

func (e MachineError) Error() string {
	return fmt.Sprintf("%s failed in %s: %v", e.Machine, e.Operation, e.Err)
}

func (e MachineError) Unwrap() error {
	return e.Err
}

// ExceptionHandler receives the queued machine failures on the scheduler
// goroutine, once per tick.
type ExceptionHandler func(ctx context.Context, e MachineError)

// ReportMachineError implements machine.ErrorSink. It never blocks: when the
// queue is full the failure is logged and dropped.
func (b *BigMachine) ReportMachineError(m *machine.Machine, operation string, err error) {
	e := MachineError{
		Time:       time.Now(),
		Err:        err,
		Machine:    m,
		Identifier: m.Identifier(),
		Type:       m.TypeName(),
		Operation:  operation,
	}

	select {
	case b.exceptions <- e:
	default:
		b.droppedExceptions.Add(1)
		metrics.IncErrorCount(metrics.ComponentBigMachine, "exceptions")
		b.logger.Errorw("Exception queue full, dropping machine failure",
			"machine_type", e.Type,
			"operation", operation,
			"error", err)
	}
}

// SetExceptionHandler replaces the exception handler. nil restores the
// default, which logs and reports to sentry.
func (b *BigMachine) SetExceptionHandler(h ExceptionHandler) {
	if h == nil {
		h = b.defaultExceptionHandler
	}

	b.handler.Store(&h)
}

// drainExceptions hands every queued failure to the handler. A panicking
// handler does not stop the scheduler.
func (b *BigMachine) drainExceptions(ctx context.Context) int {
	handler := *b.handler.Load()
	n := 0

	for {
		select {
		case e := <-b.exceptions:
			n++

			b.handleException(ctx, handler, e)
		default:
			return n
		}
	}
}

func (b *BigMachine) handleException(ctx context.Context, handler ExceptionHandler, e MachineError) {
	defer func() {
		if r := recover(); r != nil {
			sentry.ReportIssuef(sentry.IssueTypeError, b.logger, "exception handler panicked on %s: %v", e.Machine, r)
		}
	}()

	handler(ctx, e)
}

func (b *BigMachine) defaultExceptionHandler(_ context.Context, e MachineError) {
	metrics.IncErrorCount(metrics.ComponentMachine, e.Type)

	log := b.logger.With(
		zap.String("machine_type", e.Type),
		zap.String("operation", e.Operation),
		zap.Uint64("serial", e.Machine.Serial()),
	)
	sentry.ReportMachineError(log, fmt.Sprint(e.Identifier), e.Type, e.Operation, e.Err)
}
