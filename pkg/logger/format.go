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

package logger

import (
	"fmt"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// PrettyConsoleEncoder produces lines like
//
//	 [INFO]	[group/unordered.go:120]	[Group.counter]			machine 42 terminated - reason=lifespan
//
// Field encoding for With() is delegated to the embedded console encoder.
type PrettyConsoleEncoder struct {
	zapcore.Encoder

	cfg  zapcore.EncoderConfig
	pool buffer.Pool
}

// NewPrettyConsoleEncoder creates a new PrettyConsoleEncoder instance.
func NewPrettyConsoleEncoder(cfg zapcore.EncoderConfig) zapcore.Encoder {
	return &PrettyConsoleEncoder{
		Encoder: zapcore.NewConsoleEncoder(cfg),
		cfg:     cfg,
		pool:    buffer.NewPool(),
	}
}

// Clone implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) Clone() zapcore.Encoder {
	return &PrettyConsoleEncoder{
		Encoder: e.Encoder.Clone(),
		cfg:     e.cfg,
		pool:    e.pool,
	}
}

// EncodeEntry implements zapcore.Encoder.
func (e *PrettyConsoleEncoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	line := e.pool.Get()

	line.AppendString(" [")
	line.AppendString(entry.Level.CapitalString())
	line.AppendString("]\t")

	if entry.Caller.Defined {
		line.AppendString("[")
		line.AppendString(entry.Caller.TrimmedPath())
		line.AppendString("]\t")
	}

	if entry.LoggerName != "" {
		line.AppendString("[")
		line.AppendString(entry.LoggerName)
		line.AppendString("]\t\t\t")
	}

	line.AppendString(entry.Message)

	if len(fields) > 0 {
		line.AppendString(" - ")
		appendFields(line, fields)
	}

	line.AppendString(e.cfg.LineEnding)

	return line, nil
}

func appendFields(line *buffer.Buffer, fields []zapcore.Field) {
	enc := zapcore.NewMapObjectEncoder()
	for i, field := range fields {
		field.AddTo(enc)

		if i > 0 {
			line.AppendString(", ")
		}

		line.AppendString(field.Key)
		line.AppendString("=")
		line.AppendString(fmt.Sprintf("%v", enc.Fields[field.Key]))
	}
}
