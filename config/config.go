// Package config loads the tunable constants of the storage engine from an
// optional ini file, falling back to sane defaults when the file or any of
// its keys are absent.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Config holds the constants that size pages, ranges, the buffer pool, and
// the merge trigger threshold.
type Config struct {
	// PageSize is the size in bytes of every base/tail page on disk.
	PageSize int
	// BasePagesPerRange is how many base pages make up one page range.
	BasePagesPerRange int
	// BufferPoolSize is the number of frames the buffer pool can hold.
	BufferPoolSize int
	// MergeTailPageThreshold is the number of newly allocated tail pages
	// for the RID column that triggers a background merge request.
	MergeTailPageThreshold int
}

// Defaults returns the configuration used when no ini file is supplied, or
// when a key is missing from one that is.
func Defaults() *Config {
	return &Config{
		PageSize:               4096,
		BasePagesPerRange:      16,
		BufferPoolSize:         1000,
		MergeTailPageThreshold: 5,
	}
}

// Load reads path as an ini file and overlays it on top of Defaults(). A
// missing file is not an error: Load simply returns the defaults, mirroring
// original_source/lstore's behavior of running with hardcoded constants when
// no config file is ever consulted.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: loading %q", path)
	}

	section := f.Section("storage")
	cfg.PageSize = section.Key("page_size").MustInt(cfg.PageSize)
	cfg.BasePagesPerRange = section.Key("base_pages_per_range").MustInt(cfg.BasePagesPerRange)
	cfg.BufferPoolSize = section.Key("bufferpool_size").MustInt(cfg.BufferPoolSize)
	cfg.MergeTailPageThreshold = section.Key("merge_tail_page_threshold").MustInt(cfg.MergeTailPageThreshold)

	if cfg.PageSize <= 0 {
		return nil, errors.Errorf("config: page_size must be positive, got %d", cfg.PageSize)
	}
	if cfg.BasePagesPerRange <= 0 {
		return nil, errors.Errorf("config: base_pages_per_range must be positive, got %d", cfg.BasePagesPerRange)
	}
	if cfg.BufferPoolSize <= 0 {
		return nil, errors.Errorf("config: bufferpool_size must be positive, got %d", cfg.BufferPoolSize)
	}
	if cfg.MergeTailPageThreshold <= 0 {
		return nil, errors.Errorf("config: merge_tail_page_threshold must be positive, got %d", cfg.MergeTailPageThreshold)
	}

	return cfg, nil
}
