package engine

import (
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lazypower/memgraph/internal/apperr"
)

// Policy holds every tunable constant of the graph. None of the defaults
// are load-bearing; all of them are configuration.
type Policy struct {
	// Clustering
	ClusterGap time.Duration `yaml:"cluster_gap" json:"cluster_gap" validate:"gt=0"`

	// Similarity
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold" validate:"gte=0,lte=1"`
	NeighborK           int     `yaml:"neighbor_k" json:"neighbor_k" validate:"gte=0"`

	// Scoring. Recency decays as exp(-ln2/HalfLife * age).
	HalfLife         time.Duration `yaml:"half_life" json:"half_life" validate:"gt=0"`
	RecencyWeight    float64       `yaml:"recency_weight" json:"recency_weight" validate:"gte=0,lte=1"`
	CentralityWeight float64       `yaml:"centrality_weight" json:"centrality_weight" validate:"gte=0,lte=1"`
	FrequencyWeight  float64       `yaml:"frequency_weight" json:"frequency_weight" validate:"gte=0,lte=1"`
	AccessSaturation int           `yaml:"access_saturation" json:"access_saturation" validate:"gt=0"`

	// Pruning
	Ceiling          int           `yaml:"ceiling" json:"ceiling" validate:"gt=0"`
	LoadFactor       float64       `yaml:"load_factor" json:"load_factor" validate:"gt=0,lte=1"`
	ProtectedWindow  time.Duration `yaml:"protected_window" json:"protected_window" validate:"gte=0"`
	RetentionHorizon time.Duration `yaml:"retention_horizon" json:"retention_horizon" validate:"gt=0"`
	PruneOnIngest    bool          `yaml:"prune_on_ingest" json:"prune_on_ingest"` // archive-only, between ticks

	// Query
	QueryAlpha   float64 `yaml:"query_alpha" json:"query_alpha" validate:"gte=0,lte=1"`
	QueryBeta    float64 `yaml:"query_beta" json:"query_beta" validate:"gte=0,lte=1"`
	DefaultLimit int     `yaml:"default_limit" json:"default_limit" validate:"gt=0"`
	MaxLimit     int     `yaml:"max_limit" json:"max_limit" validate:"gtefield=DefaultLimit"`

	// Maintenance
	BatchSize       int           `yaml:"batch_size" json:"batch_size" validate:"gt=0"`
	ProviderTimeout time.Duration `yaml:"provider_timeout" json:"provider_timeout" validate:"gt=0"`
}

// DefaultPolicy returns the stock tuning.
func DefaultPolicy() Policy {
	return Policy{
		ClusterGap:          30 * time.Minute,
		SimilarityThreshold: 0.75,
		NeighborK:           10,
		HalfLife:            72 * time.Hour,
		RecencyWeight:       0.5,
		CentralityWeight:    0.3,
		FrequencyWeight:     0.2,
		AccessSaturation:    20,
		Ceiling:             10000,
		LoadFactor:          0.9,
		ProtectedWindow:     24 * time.Hour,
		RetentionHorizon:    90 * 24 * time.Hour,
		PruneOnIngest:       false,
		QueryAlpha:          0.4,
		QueryBeta:           0.6,
		DefaultLimit:        10,
		MaxLimit:            100,
		BatchSize:           500,
		ProviderTimeout:     5 * time.Second,
	}
}

// Lambda is the recency decay rate per hour.
func (p Policy) Lambda() float64 {
	return math.Ln2 / p.HalfLife.Hours()
}

// Floor is the live count pruning archives down to.
func (p Policy) Floor() int {
	return int(math.Floor(float64(p.Ceiling) * p.LoadFactor))
}

const weightTolerance = 1e-6

var validate = validator.New()

// Validate checks ranges and that both weight sets sum to one.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return apperr.Wrap(apperr.KindInvalidConfiguration, "policy", err)
	}
	if sum := p.RecencyWeight + p.CentralityWeight + p.FrequencyWeight; math.Abs(sum-1) > weightTolerance {
		return apperr.New(apperr.KindInvalidConfiguration, "policy",
			"scoring weights sum to %v, want 1", sum)
	}
	if sum := p.QueryAlpha + p.QueryBeta; math.Abs(sum-1) > weightTolerance {
		return apperr.New(apperr.KindInvalidConfiguration, "policy",
			"query weights sum to %v, want 1", sum)
	}
	return nil
}
