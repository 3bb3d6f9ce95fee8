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

package registry

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/diving/internal/httpclient"
	"github.com/tetratelabs/diving/internal/reference"
)

// wwwAuthPattern extracts key="value" pairs from a Www-Authenticate header.
// Registries emit simple quoted pairs, so quoted-pair escaping is not
// handled.
var wwwAuthPattern = regexp.MustCompile(`(\S+?)="(\S+?)"`)

// defaultExpiresIn applies when a token response omits expires_in.
const defaultExpiresIn = 600

// tokenInfo is the anonymous bearer token response of a registry auth
// endpoint.
type tokenInfo struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	IssuedAt  string `json:"issued_at"`
}

// expired reports whether the token is within 10 seconds of its deadline,
// so a fresh cache hit is always usable for the requests that follow.
func (t *tokenInfo) expired() bool {
	issuedAt, err := time.Parse(time.RFC3339, t.IssuedAt)
	if err != nil {
		return false
	}
	expiresIn := t.ExpiresIn
	if expiresIn == 0 {
		expiresIn = defaultExpiresIn
	}
	offset := time.Duration(expiresIn-10) * time.Second
	if offset < 0 {
		offset = 0
	}
	return !issuedAt.Add(offset).After(time.Now())
}

// authChallenge is a parsed Www-Authenticate header.
type authChallenge struct {
	realm, service, scope string
}

func parseAuthChallenge(header string) (c authChallenge) {
	for _, caps := range wwwAuthPattern.FindAllStringSubmatch(header, -1) {
		// the lazy key group also takes the comma that separates pairs
		switch strings.TrimLeft(caps[1], ",") {
		case "realm":
			c.realm = caps[2]
		case "service":
			c.service = caps[2]
		case "scope":
			c.scope = caps[2]
		}
	}
	return
}

// Token negotiates an anonymous bearer token for the reference. A HEAD on
// the manifest URL either demands auth via Www-Authenticate, or proves none
// is needed, in which case the empty token is returned. Tokens are cached
// by their full token URL until shortly before expiry.
func (c *Client) Token(ctx context.Context, ref reference.ImageRef) (string, error) {
	if ref.IsLocal() {
		return "", nil
	}
	client := httpclient.New(httpclient.TransportFromContext(ctx))
	url := manifestURL(ref, ref.Tag)
	res, err := client.Head(ctx, url)
	if err != nil {
		return "", err
	}
	header := res.Header.Get("Www-Authenticate")
	if res.StatusCode != http.StatusUnauthorized || header == "" {
		return "", nil
	}

	challenge := parseAuthChallenge(header)
	tokenURL := fmt.Sprintf("%s?service=%s&scope=%s", challenge.realm, challenge.service, challenge.scope)
	if info, ok := c.tokens.Get(tokenURL); ok && !info.expired() {
		return info.Token, nil
	}

	logrus.WithField("url", tokenURL).Info("getting token")
	var info tokenInfo
	if err := client.GetJSON(ctx, tokenURL, nil, &info); err != nil {
		return "", err
	}
	if info.IssuedAt == "" {
		info.IssuedAt = time.Now().UTC().Format(time.RFC3339)
	}
	c.tokens.Add(tokenURL, info)
	return info.Token, nil
}
