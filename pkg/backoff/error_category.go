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

package backoff

import "errors"

// ErrorCategory tells a retry loop what to do with a failed attempt.
type ErrorCategory int

const (
	// CategoryIgnored means the failure is expected and must not be retried
	// or reported, e.g. a machine type marked volatile.
	CategoryIgnored ErrorCategory = iota

	// CategoryTransient means the attempt may succeed later. Retry loops keep
	// going until their budget is spent.
	CategoryTransient

	// CategoryPermanent stops a retry loop immediately.
	CategoryPermanent
)

func (c ErrorCategory) String() string {
	switch c {
	case CategoryIgnored:
		return "ignored"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
}

func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// NewIgnoredError wraps err as CategoryIgnored.
func NewIgnoredError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryIgnored}
}

// NewTransientError wraps err as CategoryTransient.
func NewTransientError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryTransient}
}

// NewPermanentError wraps err as CategoryPermanent.
func NewPermanentError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryPermanent}
}

// CategoryOf returns the category of err. Uncategorized errors count as
// transient.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}

	return CategoryTransient
}

func IsIgnoredError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryIgnored
}

func IsTransientError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryTransient
}

func IsPermanentError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryPermanent
}

// ExtractOriginalError unwraps err down to the root cause.
func ExtractOriginalError(err error) error {
	if err == nil {
		return nil
	}

	unwrapped := err
	for {
		next := errors.Unwrap(unwrapped)
		if next == nil {
			return unwrapped
		}

		unwrapped = next
	}
}
