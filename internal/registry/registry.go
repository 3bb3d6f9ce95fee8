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

// Package registry fetches manifests, image configs and layer blobs from
// anonymous OCI/Docker v2 registries or from `docker save` tarballs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"

	"github.com/tetratelabs/diving/api"
	"github.com/tetratelabs/diving/internal/blob"
	"github.com/tetratelabs/diving/internal/httpclient"
	"github.com/tetratelabs/diving/internal/layer"
	"github.com/tetratelabs/diving/internal/reference"
)

const (
	cacheSize = 100
	// manifestTTL bounds how long a fetched manifest serves repeat
	// analyses of the same reference.
	manifestTTL = 5 * time.Minute
)

type manifestCacheEntry struct {
	expiresAt time.Time
	manifest  *v1.Manifest
}

// Client is a registry client shared across analyze calls: it owns the
// token and manifest caches and consults the blob store before the
// network. Methods never hold a cache lock across a network call.
type Client struct {
	blobs     *blob.Store
	tokens    *lru.Cache[string, tokenInfo]
	manifests *lru.Cache[string, manifestCacheEntry]
}

// NewClient creates a Client backed by the given blob store.
func NewClient(blobs *blob.Store) *Client {
	tokens, _ := lru.New[string, tokenInfo](cacheSize)
	manifests, _ := lru.New[string, manifestCacheEntry](cacheSize)
	return &Client{blobs: blobs, tokens: tokens, manifests: manifests}
}

func manifestURL(ref reference.ImageRef, tagOrDigest string) string {
	return fmt.Sprintf("%s/%s/%s/manifests/%s", ref.Registry, ref.User, ref.Name, tagOrDigest)
}

func blobURL(ref reference.ImageRef, digest string) string {
	return fmt.Sprintf("%s/%s/%s/blobs/%s", ref.Registry, ref.User, ref.Name, digest)
}

func bearerHeader(token string) http.Header {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

// GetManifest resolves the image manifest for a reference. Index responses
// are narrowed to one platform manifest via the reference architecture.
// Successful manifests are cached for manifestTTL, keyed by URL and arch.
func (c *Client) GetManifest(ctx context.Context, ref reference.ImageRef, token string) (*v1.Manifest, error) {
	if ref.IsLocal() {
		return c.getLocalManifest(ref)
	}

	url := manifestURL(ref, ref.Tag)
	key := url + "|" + ref.Arch
	if entry, ok := c.manifests.Get(key); ok && entry.expiresAt.After(time.Now()) {
		return entry.manifest, nil
	}

	logrus.WithField("url", url).Info("getting manifest")
	client := httpclient.New(httpclient.TransportFromContext(ctx))
	header := bearerHeader(token)
	header.Set("Accept", acceptManifest)
	data, err := client.Get(ctx, url, header)
	if err != nil {
		return nil, err
	}

	manifest := &v1.Manifest{}
	if mediaTypeOf(data) == api.MediaTypeDockerManifest {
		if err = json.Unmarshal(data, manifest); err != nil {
			return nil, fmt.Errorf("error unmarshalling image manifest from %s: %w", url, err)
		}
	} else {
		index := &v1.Index{}
		if err = json.Unmarshal(data, index); err != nil {
			return nil, fmt.Errorf("error unmarshalling image index from %s: %w", url, err)
		}
		chosen, err := guessManifest(index, ref.Arch)
		if err != nil {
			return nil, err
		}
		logrus.WithField("digest", chosen.Digest).Info("guessed manifest")
		header = bearerHeader(token)
		header.Set("Accept", chosen.MediaType)
		childURL := manifestURL(ref, chosen.Digest.String())
		if err = client.GetJSON(ctx, childURL, header, manifest); err != nil {
			return nil, err
		}
	}

	c.manifests.Add(key, manifestCacheEntry{expiresAt: time.Now().Add(manifestTTL), manifest: manifest})
	return manifest, nil
}

// getLocalManifest reads manifest.json from a docker-save tarball and
// probes each layer's size from its tar header.
func (c *Client) getLocalManifest(ref reference.ImageRef) (*v1.Manifest, error) {
	data, err := layer.ReadFileFromTar(ref.Name, "manifest.json")
	if err != nil {
		return nil, err
	}
	var manifests []localManifest
	if err := json.Unmarshal(data, &manifests); err != nil {
		return nil, api.NewError(api.CategoryLayer, "invalid manifest.json: "+err.Error())
	}
	if len(manifests) == 0 {
		return nil, api.NewError(api.CategoryLayer, "local manifest not found")
	}
	manifest := manifests[0].manifest()
	for i := range manifest.Layers {
		size, err := layer.FileSizeInTar(ref.Name, manifest.Layers[i].Digest.String())
		if err != nil {
			return nil, err
		}
		manifest.Layers[i].Size = size
	}
	return manifest, nil
}

// GetConfig fetches and parses the image config blob of a manifest.
func (c *Client) GetConfig(ctx context.Context, ref reference.ImageRef, token string, manifest *v1.Manifest) (*v1.Image, error) {
	var data []byte
	var err error
	if ref.IsLocal() {
		data, err = layer.ReadFileFromTar(ref.Name, manifest.Config.Digest.String())
	} else {
		data, err = c.GetBlob(ctx, ref, token, manifest.Config.Digest.String())
	}
	if err != nil {
		return nil, err
	}
	config := &v1.Image{}
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error unmarshalling image config: %w", err)
	}
	return config, nil
}

// GetBlob returns the bytes of a digest, from the blob store when present.
// Store failures are never fatal: misses refetch, and a failed write only
// logs.
func (c *Client) GetBlob(ctx context.Context, ref reference.ImageRef, token, digest string) ([]byte, error) {
	if data, err := c.blobs.Get(digest); err == nil {
		return data, nil
	}

	url := blobURL(ref, digest)
	logrus.WithField("url", url).Info("getting blob")
	client := httpclient.New(httpclient.TransportFromContext(ctx))
	data, err := client.Get(ctx, url, bearerHeader(token))
	if err != nil {
		return nil, err
	}
	if err := c.blobs.Put(digest, data); err != nil {
		logrus.WithField("digest", digest).WithError(err).Warn("saving blob failed")
	}
	return data, nil
}

// GetLayer returns the wire bytes of one manifest layer, reading from the
// tarball for local references.
func (c *Client) GetLayer(ctx context.Context, ref reference.ImageRef, token string, desc v1.Descriptor) ([]byte, error) {
	if ref.IsLocal() {
		return layer.ReadFileFromTar(ref.Name, desc.Digest.String())
	}
	return c.GetBlob(ctx, ref, token, desc.Digest.String())
}
