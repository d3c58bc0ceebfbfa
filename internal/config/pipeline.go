package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Giwoong-ryu/qt-make-sub000/internal/pkg/logger"
	"github.com/Giwoong-ryu/qt-make-sub000/internal/utils"
)

// PipelineConfig holds the tunables of the render pipeline that operators
// adjust without a deploy: content policy wording, fallback query rotation,
// and the local clip pool location. Loaded once at startup from
// PIPELINE_CONFIG_PATH; every field has a usable default so the file is
// optional in development.
type PipelineConfig struct {
	// FallbackQueries is the static rotation used when the language model
	// cannot produce search queries. Order matters: slots cycle through it.
	FallbackQueries []string `yaml:"fallback_queries"`

	// ModerationPolicy is the instruction text given to the vision model
	// when judging candidate clip frames.
	ModerationPolicy string `yaml:"moderation_policy"`

	// LocalPoolDir is a directory of pre-normalized clips with a
	// manifest.json describing their tags and durations.
	LocalPoolDir string `yaml:"local_pool_dir"`

	// ClipCacheDir holds normalized downloads keyed by external clip id.
	ClipCacheDir string `yaml:"clip_cache_dir"`

	// ScratchRoot is where per-job working directories are created.
	ScratchRoot string `yaml:"scratch_root"`

	// RecencyWindowJobs is how many recent succeeded jobs per tenant
	// contribute their clip ids to the do-not-repeat set.
	RecencyWindowJobs int `yaml:"recency_window_jobs"`

	// ModerationCacheTTL bounds how long a clip moderation verdict is
	// trusted before the frames are re-checked.
	ModerationCacheTTL time.Duration `yaml:"moderation_cache_ttl"`
}

func defaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		FallbackQueries:    []string{"nature", "sky", "ocean", "forest", "light"},
		ModerationPolicy:   "Reject any frame showing people, readable text, logos, violence, or unsettling imagery. Accept calm scenery, nature, skies, water, and abstract light.",
		LocalPoolDir:       "/var/lib/qtmaker/pool",
		ClipCacheDir:       "/var/lib/qtmaker/clipcache",
		ScratchRoot:        "/tmp/qtmaker",
		RecencyWindowJobs:  10,
		ModerationCacheTTL: 24 * time.Hour,
	}
}

// LoadPipelineConfig reads PIPELINE_CONFIG_PATH if set, overlaying the file
// on top of the defaults. A missing file is not an error; a malformed one is.
func LoadPipelineConfig(log *logger.Logger) (PipelineConfig, error) {
	cfg := defaultPipelineConfig()
	cfg.ScratchRoot = utils.GetEnv("SCRATCH_ROOT", cfg.ScratchRoot, log)

	path := utils.GetEnv("PIPELINE_CONFIG_PATH", "", log)
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("Pipeline config file not found, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("Failed to read pipeline config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("Failed to parse pipeline config: %w", err)
	}
	if len(cfg.FallbackQueries) == 0 {
		cfg.FallbackQueries = defaultPipelineConfig().FallbackQueries
	}
	if cfg.RecencyWindowJobs <= 0 {
		cfg.RecencyWindowJobs = defaultPipelineConfig().RecencyWindowJobs
	}
	if cfg.ModerationCacheTTL <= 0 {
		cfg.ModerationCacheTTL = defaultPipelineConfig().ModerationCacheTTL
	}
	log.Info("Pipeline config loaded", "path", path)
	return cfg, nil
}
