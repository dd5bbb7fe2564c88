// Copyright 2023 Upbound Inc
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import "fmt"

// Kind classifies extraction failures. Callers branch on kinds, never on
// error strings.
type Kind string

// Extraction failure kinds.
const (
	KindUnknownFormat    Kind = "UnknownFormat"
	KindCorrupt          Kind = "Corrupt"
	KindPasswordRequired Kind = "PasswordRequired"
	KindOversizedBefore  Kind = "OversizedBefore"
	KindOversizedAfter   Kind = "OversizedAfter"
	KindIO               Kind = "IO"
)

// An Error is an extraction failure of a particular kind.
type Error struct {
	Kind Kind
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err)
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the failure kind of err, or KindIO for foreign errors.
func KindOf(err error) Kind {
	if ae, ok := err.(*Error); ok { // nolint:errorlint
		return ae.Kind
	}
	return KindIO
}

func newError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}
