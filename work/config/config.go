package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Defaults applied by ValidateAndSetDefaults when the corresponding option is
// unset or out of range.
const (
	DefaultPort              = 9000
	DefaultMaxCacheBytes     = 1 << 30 // 1 GiB
	DefaultMaxConcurrentBulk = 32
	DefaultPerHostConns      = 32
	DefaultHeadSegments      = 6
	DefaultManifestTimeout   = 10 * time.Second
	DefaultSegmentTimeout    = 60 * time.Second
	DefaultPruneDelay        = 7 * time.Second
	DefaultManifestMemoTTL   = 30 * time.Second
	DefaultOriginReqPerSec   = 100
	DefaultUserAgent         = "hlscache-proxy/1.0"

	cacheDirName = "ExpoVideoCache"
)

// Options holds all runtime configuration for the caching proxy. A host
// binding layer fills Port, MaxCacheBytes and HeadOnly through the public
// facade; everything else has working defaults.
type Options struct {
	Port                 int           `json:"port"`                 // Loopback TCP port the proxy listens on
	MaxCacheBytes        int64         `json:"maxCacheBytes"`        // Disk budget enforced by the prune pass
	CacheDir             string        `json:"cacheDir"`             // Cache root directory; defaults to the platform caches dir
	HeadOnly             bool          `json:"headOnly"`             // Persist only the first HeadSegments segments per origin
	HeadSegments         int           `json:"headSegments"`         // Segment count persisted per origin when HeadOnly is set
	MaxConcurrentBulk    int           `json:"maxConcurrentBulk"`    // Bulk download permit count
	PerHostConns         int           `json:"perHostConns"`         // HTTP connection pool size per origin host
	ManifestTimeout      time.Duration `json:"manifestTimeout"`      // Deadline for a full manifest fetch
	SegmentTimeout       time.Duration `json:"segmentTimeout"`       // Per-request deadline for segment fetches
	PruneDelay           time.Duration `json:"pruneDelay"`           // Delay before the post-start prune pass
	ManifestMemoTTL      time.Duration `json:"manifestMemoTTL"`      // TTL of the in-memory rewritten manifest memo
	OriginRequestsPerSec int           `json:"originRequestsPerSec"` // Per-host origin request rate cap for bulk downloads
	UserAgent            string        `json:"userAgent"`            // User-Agent header sent to origins
	ReqOrigin            string        `json:"reqOrigin"`            // Origin header sent to origins, if non-empty
	ReqReferrer          string        `json:"reqReferrer"`          // Referer header sent to origins, if non-empty
	LogLevel             string        `json:"logLevel"`             // DEBUG, INFO, WARN or ERROR
	ObfuscateUrls        bool          `json:"obfuscateUrls"`        // Redact remote URLs in log output
	DiagAddr             string        `json:"diagAddr"`             // Optional diagnostics HTTP address (empty = disabled)
}

// optionsFile mirrors Options for JSON config files, with durations written
// as strings (e.g. "10s").
type optionsFile struct {
	Port                 int    `json:"port"`
	MaxCacheBytes        int64  `json:"maxCacheBytes"`
	CacheDir             string `json:"cacheDir"`
	HeadOnly             bool   `json:"headOnly"`
	HeadSegments         int    `json:"headSegments"`
	MaxConcurrentBulk    int    `json:"maxConcurrentBulk"`
	PerHostConns         int    `json:"perHostConns"`
	ManifestTimeout      string `json:"manifestTimeout"`
	SegmentTimeout       string `json:"segmentTimeout"`
	PruneDelay           string `json:"pruneDelay"`
	ManifestMemoTTL      string `json:"manifestMemoTTL"`
	OriginRequestsPerSec int    `json:"originRequestsPerSec"`
	UserAgent            string `json:"userAgent"`
	ReqOrigin            string `json:"reqOrigin"`
	ReqReferrer          string `json:"reqReferrer"`
	LogLevel             string `json:"logLevel"`
	ObfuscateUrls        bool   `json:"obfuscateUrls"`
	DiagAddr             string `json:"diagAddr"`
}

// DefaultOptions returns a fully populated Options with every default applied.
func DefaultOptions() *Options {
	opts := &Options{}
	ValidateAndSetDefaults(opts)
	return opts
}

// ValidateAndSetDefaults fills zero or out-of-range fields with safe defaults.
// It never fails: a broken option degrades to its default rather than
// stopping the proxy.
func ValidateAndSetDefaults(opts *Options) {
	if opts.Port <= 0 || opts.Port > 65535 {
		opts.Port = DefaultPort
	}
	if opts.MaxCacheBytes <= 0 {
		opts.MaxCacheBytes = DefaultMaxCacheBytes
	}
	if opts.CacheDir == "" {
		opts.CacheDir = DefaultCacheDir()
	}
	if opts.HeadSegments <= 0 {
		opts.HeadSegments = DefaultHeadSegments
	}
	if opts.MaxConcurrentBulk <= 0 {
		opts.MaxConcurrentBulk = DefaultMaxConcurrentBulk
	}
	if opts.PerHostConns <= 0 {
		opts.PerHostConns = DefaultPerHostConns
	}
	if opts.ManifestTimeout <= 0 {
		opts.ManifestTimeout = DefaultManifestTimeout
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = DefaultSegmentTimeout
	}
	if opts.PruneDelay <= 0 {
		opts.PruneDelay = DefaultPruneDelay
	}
	if opts.ManifestMemoTTL <= 0 {
		opts.ManifestMemoTTL = DefaultManifestMemoTTL
	}
	if opts.OriginRequestsPerSec <= 0 {
		opts.OriginRequestsPerSec = DefaultOriginReqPerSec
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "INFO"
	}
}

// DefaultCacheDir resolves the platform caches directory for the proxy,
// falling back to the system temp dir when the user cache dir is unknown.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, cacheDirName)
}

// LoadFile reads and parses a JSON options file, applying defaults for any
// missing values.
func LoadFile(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var file optionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&file)
}

// convertFromFile maps the string-duration file form onto Options.
func convertFromFile(file *optionsFile) (*Options, error) {
	opts := &Options{
		Port:                 file.Port,
		MaxCacheBytes:        file.MaxCacheBytes,
		CacheDir:             file.CacheDir,
		HeadOnly:             file.HeadOnly,
		HeadSegments:         file.HeadSegments,
		MaxConcurrentBulk:    file.MaxConcurrentBulk,
		PerHostConns:         file.PerHostConns,
		OriginRequestsPerSec: file.OriginRequestsPerSec,
		UserAgent:            file.UserAgent,
		ReqOrigin:            file.ReqOrigin,
		ReqReferrer:          file.ReqReferrer,
		LogLevel:             file.LogLevel,
		ObfuscateUrls:        file.ObfuscateUrls,
		DiagAddr:             file.DiagAddr,
	}

	for _, d := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{file.ManifestTimeout, "manifestTimeout", &opts.ManifestTimeout},
		{file.SegmentTimeout, "segmentTimeout", &opts.SegmentTimeout},
		{file.PruneDelay, "pruneDelay", &opts.PruneDelay},
		{file.ManifestMemoTTL, "manifestMemoTTL", &opts.ManifestMemoTTL},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	ValidateAndSetDefaults(opts)
	return opts, nil
}
