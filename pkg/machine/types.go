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

package machine

import (
	"fmt"
	"time"
)

// State is the id of a state handler in a machine type's Table.
type State int

// Result is returned by state handlers and by RunMachine.
type Result int

const (
	// Continue keeps the machine scheduled.
	Continue Result = iota
	// Terminate tears the machine down after the handler returns.
	Terminate
)

func (r Result) String() string {
	if r == Terminate {
		return "terminate"
	}

	return "continue"
}

// RunType records who triggered the run that currently holds a machine.
type RunType int32

const (
	NotRunning RunType = iota
	Manual
	Timer
	Continuous
)

func (r RunType) String() string {
	switch r {
	case NotRunning:
		return "not_running"
	case Manual:
		return "manual"
	case Timer:
		return "timer"
	case Continuous:
		return "continuous"
	default:
		return fmt.Sprintf("RunType(%d)", int32(r))
	}
}

// OperationalState is the lifecycle of a machine, independent of its
// user-defined State.
type OperationalState string

const (
	OperationalStateRunning    OperationalState = "running"
	OperationalStatePaused     OperationalState = "paused"
	OperationalStateTerminated OperationalState = "terminated"
)

const (
	eventPause     = "pause"
	eventResume    = "resume"
	eventTerminate = "terminate"
)

// ChangeStateResult is returned by ChangeState.
type ChangeStateResult int

const (
	ChangeStateSuccess ChangeStateResult = iota
	ChangeStateUnableToExit
	ChangeStateUnableToEnter
	ChangeStateTerminated
)

func (r ChangeStateResult) String() string {
	switch r {
	case ChangeStateSuccess:
		return "success"
	case ChangeStateUnableToExit:
		return "unable_to_exit"
	case ChangeStateUnableToEnter:
		return "unable_to_enter"
	case ChangeStateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("ChangeStateResult(%d)", int(r))
	}
}

// CommandID selects a command handler in a machine type's Table. Negative ids
// are reserved for the built-in commands.
type CommandID int

const (
	// CommandRun triggers a manual run.
	CommandRun CommandID = -1
	// CommandChangeState changes the current state. Its message is a
	// StateChange.
	CommandChangeState CommandID = -2
)

// CommandResult is the outcome of delivering a command to a machine.
type CommandResult int

const (
	CommandSuccess CommandResult = iota
	// CommandIgnored means no handler exists for the command id or the
	// machine could not act on it.
	CommandIgnored
	// CommandTerminated means the machine is terminated, either before the
	// command arrived or as its result.
	CommandTerminated
)

func (r CommandResult) String() string {
	switch r {
	case CommandSuccess:
		return "success"
	case CommandIgnored:
		return "ignored"
	case CommandTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("CommandResult(%d)", int(r))
	}
}

// StateChange is the message of CommandChangeState.
type StateChange struct {
	State State
	Rerun bool
}

// Command is a request delivered to a machine with its lock held.
type Command struct {
	Message any
	ID      CommandID
}

// Type describes a machine type. It is created by the registry and shared by
// all machines of the type.
type Type struct {
	Factory         func() any
	Table           *Table
	Name            string
	ID              uint64
	DefaultTimeout  time.Duration
	DefaultLifespan time.Duration
	// Volatile types are not persisted.
	Volatile bool
}

// Termination reasons, used as metric label and log field.
const (
	ReasonHandler   = "handler"
	ReasonError     = "error"
	ReasonLifespan  = "lifespan"
	ReasonRequested = "requested"
	ReasonReplaced  = "replaced"
)
