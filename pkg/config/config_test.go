package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10, cfg.Scoring.Limits.CandidateLimit)
	assert.Equal(t, 5, cfg.Scoring.Limits.DAGSize)
	assert.Equal(t, 4, cfg.Scoring.Limits.MaxPathHops)
	assert.InDelta(t, 0.60, cfg.Scoring.Thresholds.SuggestionReject, 1e-9)
	assert.InDelta(t, 0.5, cfg.Alpha.Min, 1e-9)
	assert.InDelta(t, 1.0, cfg.Alpha.Max, 1e-9)
	assert.Equal(t, 5, cfg.Alpha.ColdStart.ObservationThreshold)
}

func TestValidateDistributions(t *testing.T) {
	t.Run("ranking weights must sum to one", func(t *testing.T) {
		cfg := Default()
		cfg.Scoring.Weights.RankingHybrid = 0.9
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ranking_hybrid")
	})

	t.Run("heat weights must sum to one", func(t *testing.T) {
		cfg := Default()
		cfg.Alpha.Heat.DegreeWeight = 0.9
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "degree_weight")
	})

	t.Run("kind weights must sum to one", func(t *testing.T) {
		cfg := Default()
		cfg.Alpha.Hierarchy.Meta.Intrinsic = 0.9
		assert.Error(t, cfg.Validate())
	})

	t.Run("tolerance admits rounding error", func(t *testing.T) {
		cfg := Default()
		cfg.Scoring.Weights.RankingHybrid = 0.8004
		cfg.Scoring.Weights.RankingPageRank = 0.2
		assert.NoError(t, cfg.Validate())
	})
}

func TestValidateRanges(t *testing.T) {
	t.Run("reject must not exceed floor", func(t *testing.T) {
		cfg := Default()
		cfg.Scoring.Thresholds.SuggestionReject = 0.70
		assert.Error(t, cfg.Validate())
	})

	t.Run("path confidence must be non-increasing", func(t *testing.T) {
		cfg := Default()
		cfg.Scoring.PathConf.ThreeHops = 0.9
		assert.Error(t, cfg.Validate())
	})

	t.Run("alpha bounds", func(t *testing.T) {
		cfg := Default()
		cfg.Alpha.Min = 1.2
		assert.Error(t, cfg.Validate())
	})

	t.Run("cold start prior within bounds", func(t *testing.T) {
		cfg := Default()
		cfg.Alpha.ColdStart.Prior = 0.2
		assert.Error(t, cfg.Validate())
	})
}

func TestForHops(t *testing.T) {
	pc := DefaultScoring().PathConf
	assert.InDelta(t, 0.95, pc.ForHops(1), 1e-9)
	assert.InDelta(t, 0.80, pc.ForHops(2), 1e-9)
	assert.InDelta(t, 0.65, pc.ForHops(3), 1e-9)
	assert.InDelta(t, 0.50, pc.ForHops(4), 1e-9)
	assert.InDelta(t, 0.50, pc.ForHops(7), 1e-9)
	assert.InDelta(t, 0.95, pc.ForHops(0), 1e-9)
}

func TestLoad(t *testing.T) {
	t.Run("empty paths keep defaults", func(t *testing.T) {
		cfg, err := Load("", "")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("partial file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "scoring.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"limits:\n  candidate_limit: 20\n  dag_size: 7\n  max_path_hops: 4\n  community_predictions: 5\n  in_flight: 10\n"), 0o644))

		cfg, err := Load(path, "")
		require.NoError(t, err)
		assert.Equal(t, 20, cfg.Scoring.Limits.CandidateLimit)
		assert.Equal(t, 7, cfg.Scoring.Limits.DAGSize)
		// Untouched sections keep their defaults.
		assert.InDelta(t, 0.8, cfg.Scoring.Weights.RankingHybrid, 1e-9)
	})

	t.Run("invalid values fail load", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "alpha.yaml")
		require.NoError(t, os.WriteFile(path, []byte("min: 0.9\nmax: 0.6\n"), 0o644))
		_, err := Load("", path)
		assert.Error(t, err)
	})

	t.Run("missing file fails load", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), "")
		assert.Error(t, err)
	})
}
