package degradation

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Tier is an ordered level of reduced functionality.
type Tier int

const (
	TierFull Tier = iota
	TierReduced
	TierEssential
	TierReadOnly
	TierMaintenance
)

var tierNames = [...]string{"full", "reduced", "essential", "read_only", "maintenance"}

func (t Tier) String() string {
	if t < TierFull || t > TierMaintenance {
		return fmt.Sprintf("tier(%d)", int(t))
	}
	return tierNames[t]
}

// MarshalText renders the tier name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ParseTier resolves a tier by name.
func ParseTier(name string) (Tier, error) {
	cleaned := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range tierNames {
		if candidate == cleaned {
			return Tier(i), nil
		}
	}
	return TierFull, fmt.Errorf("unknown degradation tier %q", name)
}

// TierForScore maps a health score onto a tier: 0 full, 1 reduced, 2 essential, 3 read_only,
// 4 or more maintenance. Fractional scores round down.
func TierForScore(score float64) Tier {
	if score <= 0 || math.IsNaN(score) {
		return TierFull
	}
	t := Tier(math.Floor(score))
	if t > TierMaintenance {
		return TierMaintenance
	}
	return t
}

// FeatureSets holds the cumulative set of features disabled at each tier.
type FeatureSets struct {
	disabled [TierMaintenance + 1][]string
}

// DefaultFeatures lists the features each tier disables on top of the previous one.
func DefaultFeatures() map[Tier][]string {
	return map[Tier][]string{
		TierReduced:     {"analytics", "dashboard_refresh"},
		TierEssential:   {"bulk_sync", "notifications"},
		TierReadOnly:    {"write_operations", "webhook_processing"},
		TierMaintenance: {"integration_calls", "api_access"},
	}
}

// NewFeatureSets accumulates perTier so each tier disables everything the milder tiers disable.
func NewFeatureSets(perTier map[Tier][]string) *FeatureSets {
	fs := &FeatureSets{}
	acc := make(map[string]struct{})
	for t := TierFull; t <= TierMaintenance; t++ {
		for _, f := range perTier[t] {
			if f = strings.TrimSpace(f); f != "" {
				acc[f] = struct{}{}
			}
		}
		set := make([]string, 0, len(acc))
		for f := range acc {
			set = append(set, f)
		}
		sort.Strings(set)
		fs.disabled[t] = set
	}
	return fs
}

// Disabled returns the sorted features disabled at tier.
func (fs *FeatureSets) Disabled(t Tier) []string {
	if t < TierFull {
		t = TierFull
	}
	if t > TierMaintenance {
		t = TierMaintenance
	}
	return append([]string(nil), fs.disabled[t]...)
}

// IsDisabled reports whether feature is disabled at tier.
func (fs *FeatureSets) IsDisabled(t Tier, feature string) bool {
	if t < TierFull || t > TierMaintenance {
		return false
	}
	set := fs.disabled[t]
	i := sort.SearchStrings(set, feature)
	return i < len(set) && set[i] == feature
}

// FeaturesFromConfig converts the configured per-tier lists, using DefaultFeatures when none are set.
func FeaturesFromConfig(raw map[string][]string) (map[Tier][]string, error) {
	if len(raw) == 0 {
		return DefaultFeatures(), nil
	}
	out := make(map[Tier][]string, len(raw))
	for name, features := range raw {
		t, err := ParseTier(name)
		if err != nil {
			return nil, err
		}
		out[t] = append([]string(nil), features...)
	}
	return out, nil
}
