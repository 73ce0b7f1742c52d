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

package snapshot

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// CompressionThreshold is the size in bytes above which snapshots are
// compressed.
const CompressionThreshold = 1024

var (
	encoderPool = sync.Pool{
		New: func() interface{} {
			encoder, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

			return encoder
		},
	}

	decoderPool = sync.Pool{
		New: func() interface{} {
			decoder, _ := zstd.NewReader(nil)

			return decoder
		},
	}
)

// Compress zstd-compresses data above CompressionThreshold. Smaller inputs
// are returned as a copy.
func Compress(data []byte) ([]byte, error) {
	if len(data) < CompressionThreshold {
		return append([]byte(nil), data...), nil
	}

	encoder, ok := encoderPool.Get().(*zstd.Encoder)
	if !ok || encoder == nil {
		var err error

		encoder, err = zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
	}
	defer encoderPool.Put(encoder)

	buffer := new(bytes.Buffer)
	buffer.Grow(len(data) / 2)
	encoder.Reset(buffer)

	if _, err := encoder.Write(data); err != nil {
		return nil, err
	}

	if err := encoder.Close(); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// Decompress reverses Compress. Uncompressed input is returned as a copy.
func Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return append([]byte(nil), data...), nil
	}

	decoder, ok := decoderPool.Get().(*zstd.Decoder)
	if !ok || decoder == nil {
		var err error

		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
	}
	defer decoderPool.Put(decoder)

	if err := decoder.Reset(bytes.NewReader(data)); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	if _, err := io.Copy(&out, decoder); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// IsCompressed checks for the zstd magic bytes (0x28 0xB5 0x2F 0xFD).
func IsCompressed(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD
}
