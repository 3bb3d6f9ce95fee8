// Copyright 2023 Tetrate
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

package api

import (
	"context"
	"errors"
	"fmt"
)

// Error categories, stable across the CLI and HTTP boundaries.
const (
	CategoryDocker          = "docker"
	CategoryLayer           = "layer"
	CategoryBlob            = "blob"
	CategoryTimeout         = "timeout"
	CategoryConfig          = "config"
	CategoryInvalidArgument = "invalid-argument"
	CategoryCancelled       = "cancelled"
)

// Error is the failure type crossing the analyzer boundary. It marshals to
// the JSON error body of the web server.
type Error struct {
	Message  string `json:"message"`
	Category string `json:"category"`
	// Code is the registry's error code for CategoryDocker, or the decode
	// failure code for CategoryLayer. Ex. "MANIFEST_UNKNOWN", "GzipDecode"
	Code string `json:"code,omitempty"`
	// Status is the HTTP status to respond with.
	Status int `json:"status"`
	// URL is the failing request URL for errors of HTTP origin.
	URL string `json:"url,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s code: %s url: %s", e.Category, e.Message, e.Code, e.URL)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// NewError creates an Error with the default 400 status.
func NewError(category, message string) *Error {
	return &Error{Message: message, Category: category, Status: 400}
}

// NewDockerError creates a CategoryDocker error from a registry error body.
func NewDockerError(code, message, url string) *Error {
	return &Error{Message: message, Category: CategoryDocker, Code: code, Status: 400, URL: url}
}

// WrapError coerces err into an *Error, classifying context cancellation
// and deadline expiry. The category applies when err carries neither.
func WrapError(err error, category string) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Message: err.Error(), Category: CategoryTimeout, Status: 408}
	case errors.Is(err, context.Canceled):
		return &Error{Message: err.Error(), Category: CategoryCancelled, Status: 400}
	}
	return NewError(category, err.Error())
}
