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

package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/distribution/registry/api/errcode"
	// register the registry error code descriptors so error bodies parse
	// back to their identifiers instead of UNKNOWN.
	_ "github.com/docker/distribution/registry/api/v2"

	"github.com/tetratelabs/diving/api"
)

// requestTimeout bounds every outbound request. There are no retries.
const requestTimeout = 5 * time.Minute

// HTTPClient is a convenience wrapper for http.Client that consolidates
// registry error handling.
type HTTPClient interface {
	// Get returns the body of the URL. Responses with status >= 401 that
	// carry a registry error envelope surface as api.Error; other non-200
	// responses surface as a plain status error.
	Get(ctx context.Context, url string, header http.Header) ([]byte, error)
	// GetJSON is a convenience function that calls json.Unmarshal after Get.
	GetJSON(ctx context.Context, url string, header http.Header, v interface{}) error
	// Head issues a HEAD request and returns the response. The body is
	// already closed. Any status is returned, never an error status check.
	Head(ctx context.Context, url string) (*http.Response, error)
}

type httpClient struct{ client http.Client }

// New returns a client with the standard request timeout.
// Use ContextWithTransport when testing.
func New(transport http.RoundTripper) HTTPClient {
	return &httpClient{client: http.Client{Transport: transport}}
}

type contextClientTransportKey struct{}

// TransportFromContext returns an http.RoundTripper for use as http.Client
// Transport from the context or http.DefaultTransport
func TransportFromContext(ctx context.Context) http.RoundTripper {
	if v, ok := ctx.Value(contextClientTransportKey{}).(http.RoundTripper); ok {
		return v
	}
	return http.DefaultTransport
}

// ContextWithTransport returns a context with a http.RoundTripper for use
// as http.Client Transport
func ContextWithTransport(ctx context.Context, transport http.RoundTripper) context.Context {
	return context.WithValue(ctx, contextClientTransportKey{}, transport)
}

func (h *httpClient) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, values := range header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close() //nolint
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if res.StatusCode >= http.StatusUnauthorized {
		return nil, newRegistryError(res.StatusCode, b, url)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received %v status code from %q", res.StatusCode, url)
	}
	return b, nil
}

func (h *httpClient) GetJSON(ctx context.Context, url string, header http.Header, v interface{}) error {
	b, err := h.Get(ctx, url, header)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("error unmarshalling %q: %w", url, err)
	}
	return nil
}

func (h *httpClient) Head(ctx context.Context, url string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	res.Body.Close() //nolint
	return res, nil
}

// newRegistryError decodes the distribution error envelope. Bodies that
// aren't the envelope surface as a generic status error.
func newRegistryError(status int, body []byte, url string) error {
	var errs errcode.Errors
	if err := json.Unmarshal(body, &errs); err != nil || len(errs) == 0 {
		return fmt.Errorf("received %v status code from %q", status, url)
	}
	code, message := "", ""
	switch e := errs[0].(type) {
	case errcode.Error:
		code, message = e.Code.String(), e.Message
	case errcode.ErrorCode:
		code, message = e.String(), e.Message()
	default:
		message = e.Error()
	}
	derr := api.NewDockerError(code, message, url)
	derr.Status = status
	return derr
}
