// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ckpt resolves symbolic checkpoint names (e.g. "bigae_animals") to local files, downloading and
// caching them as needed.
//
// The registry returned by Default is empty: no download location or checksum of the published weights is
// built in, since none is distributed with this package. Entries are registered with Registry.Register, or
// configured with the environment variables (NAME is the checkpoint name in upper case):
//
//   - BIGAE_CKPT_<NAME>_URL: where to download the checkpoint from.
//   - BIGAE_CKPT_<NAME>_MD5: optional hex encoded MD5 checksum of the file.
//   - BIGAE_CKPT_<NAME>_PATH: a local file to use as is, bypassing the cache.
//   - BIGAE_CACHE_DIR: cache directory of the Default registry, "~/.cache/bigae" if not set.
package ckpt

import (
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

var (
	// ErrUnknownCheckpoint is returned when resolving a name with no registered or configured entry.
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrChecksumMismatch is returned when a downloaded or cached file doesn't match its MD5 checksum.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

const (
	// CacheDirEnv is the environment variable overriding the default cache directory.
	CacheDirEnv = "BIGAE_CACHE_DIR"

	// DefaultCacheDir is used when CacheDirEnv is not set.
	DefaultCacheDir = "~/.cache/bigae"

	// EnvPrefix is the prefix of the per-checkpoint environment variables.
	EnvPrefix = "BIGAE_CKPT_"

	// DefaultExtension of cached files, when the entry doesn't set a FileName.
	DefaultExtension = ".ckpt"
)

// Resolver maps a checkpoint name to a local file path.
type Resolver interface {
	Resolve(name string) (path string, err error)
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(name string) (string, error)

// Resolve implements Resolver.
func (fn ResolverFunc) Resolve(name string) (string, error) { return fn(name) }

// Entry describes where to fetch a checkpoint from.
type Entry struct {
	// URL to download the checkpoint from.
	URL string

	// MD5 is the optional hex encoded checksum of the file.
	MD5 string

	// FileName in the cache directory. Default is the checkpoint name plus DefaultExtension.
	FileName string
}

// Registry of checkpoint entries, with a local cache directory. It implements Resolver.
//
// It is safe for concurrent use: concurrent resolutions of the same name download it only once.
type Registry struct {
	cacheDir        string
	client          *http.Client
	showProgressBar bool

	mu      sync.Mutex
	entries map[string]Entry
	group   singleflight.Group
}

// NewRegistry creates an empty Registry caching files in cacheDir ("~" is expanded).
func NewRegistry(cacheDir string) (*Registry, error) {
	cacheDir, err := fsutil.ReplaceTildeInDir(cacheDir)
	if err != nil {
		return nil, errors.WithMessagef(err, "ckpt: invalid cache directory %q", cacheDir)
	}
	return &Registry{
		cacheDir: cacheDir,
		client: &http.Client{
			CheckRedirect: func(r *http.Request, via []*http.Request) error {
				r.URL.Opaque = r.URL.Path
				return nil
			},
		},
		entries: make(map[string]Entry),
	}, nil
}

// WithHTTPClient sets the client used for downloads.
func (r *Registry) WithHTTPClient(client *http.Client) *Registry {
	r.client = client
	return r
}

// WithProgressBar enables a progress bar on the terminal while downloading. Default is false.
func (r *Registry) WithProgressBar(show bool) *Registry {
	r.showProgressBar = show
	return r
}

// CacheDir where downloaded checkpoints are stored.
func (r *Registry) CacheDir() string { return r.cacheDir }

// Register (or replace) the entry for name.
func (r *Registry) Register(name string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry
}

// Names of the registered entries, sorted. Entries configured only by environment variables are not listed.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// envName returns the environment variable for the given checkpoint name and field.
func envName(name, field string) string {
	name = strings.ToUpper(name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return EnvPrefix + name + "_" + field
}

// Entry returns the entry for name, with the fields set by environment variables taking precedence over the
// registered ones.
func (r *Registry) Entry(name string) (entry Entry, found bool) {
	r.mu.Lock()
	entry, found = r.entries[name]
	r.mu.Unlock()
	if url := os.Getenv(envName(name, "URL")); url != "" {
		entry.URL = url
		found = true
	}
	if md5 := os.Getenv(envName(name, "MD5")); md5 != "" {
		entry.MD5 = md5
	}
	if found && entry.FileName == "" {
		entry.FileName = name + DefaultExtension
	}
	return
}

// Resolve implements Resolver. It returns the local path of the checkpoint, downloading it into the cache
// directory if it is not there yet, or if the cached copy doesn't match the checksum.
func (r *Registry) Resolve(name string) (string, error) {
	if override := os.Getenv(envName(name, "PATH")); override != "" {
		path, err := fsutil.ReplaceTildeInDir(override)
		if err != nil {
			return "", err
		}
		klog.V(1).Infof("ckpt: %q resolved to %q by %s", name, path, envName(name, "PATH"))
		return path, nil
	}
	entry, found := r.Entry(name)
	if !found || entry.URL == "" {
		return "", errors.Wrapf(ErrUnknownCheckpoint, "%q: register it, or set %s or %s",
			name, envName(name, "URL"), envName(name, "PATH"))
	}
	filePath := filepath.Join(r.cacheDir, entry.FileName)

	_, err, _ := r.group.Do(name, func() (any, error) {
		if r.isCached(filePath, entry.MD5) {
			return nil, nil
		}
		return nil, r.download(name, entry.URL, filePath, entry.MD5)
	})
	if err != nil {
		return "", errors.WithMessagef(err, "ckpt: failed to resolve %q", name)
	}
	return filePath, nil
}

// isCached reports whether filePath exists and matches the checksum (if any).
func (r *Registry) isCached(filePath, wantedMD5 string) bool {
	exists, err := fsutil.FileExists(filePath)
	if err != nil || !exists {
		return false
	}
	if err := validateMD5(filePath, wantedMD5); err != nil {
		klog.Warningf("ckpt: discarding cached file: %v", err)
		return false
	}
	klog.V(1).Infof("ckpt: using cached %q", filePath)
	return true
}

var (
	defaultRegistry     *Registry
	defaultRegistryErr  error
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry, caching files in the directory given by CacheDirEnv, or
// DefaultCacheDir. Downloads show a progress bar.
//
// It has no registered entries: checkpoints are only resolved if configured by the environment variables
// (see package documentation), or registered by the caller.
func Default() (*Registry, error) {
	defaultRegistryOnce.Do(func() {
		cacheDir := os.Getenv(CacheDirEnv)
		if cacheDir == "" {
			cacheDir = DefaultCacheDir
		}
		defaultRegistry, defaultRegistryErr = NewRegistry(cacheDir)
		if defaultRegistry != nil {
			defaultRegistry.WithProgressBar(true)
		}
	})
	return defaultRegistry, defaultRegistryErr
}
