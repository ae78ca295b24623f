package policy

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	commonerrors "github.com/vnykmshr/admit/pkg/common/errors"
)

// fileConfig is the on-disk policy document. Durations are written as
// strings ("60s", "1m") and decoded by viper's duration hook.
type fileConfig struct {
	RetryAfterMode string              `mapstructure:"retry_after_mode" validate:"omitempty,oneof=shortest longest"`
	Default        fileRule            `mapstructure:"default" validate:"required"`
	Endpoints      []fileEndpoint      `mapstructure:"endpoints" validate:"omitempty,dive"`
	Tiers          map[string]fileRule `mapstructure:"tiers" validate:"omitempty,dive"`
	Exemptions     fileExemptions      `mapstructure:"exemptions"`
	Penalty        filePenalty         `mapstructure:"penalty"`
}

type fileRule struct {
	Algorithm string      `mapstructure:"algorithm" validate:"omitempty,oneof=token_bucket sliding_window"`
	Quotas    []fileQuota `mapstructure:"quotas" validate:"required,min=1,dive"`
}

type fileQuota struct {
	Limit  int           `mapstructure:"limit" validate:"required,gt=0"`
	Window time.Duration `mapstructure:"window" validate:"required,gt=0"`
	Burst  int           `mapstructure:"burst" validate:"omitempty,gt=0"`
}

type fileEndpoint struct {
	Pattern   string      `mapstructure:"pattern" validate:"required"`
	Algorithm string      `mapstructure:"algorithm" validate:"omitempty,oneof=token_bucket sliding_window"`
	Quotas    []fileQuota `mapstructure:"quotas" validate:"required,min=1,dive"`
}

type fileExemptions struct {
	Users []string `mapstructure:"users"`
	CIDRs []string `mapstructure:"cidrs"`
}

type filePenalty struct {
	Enabled            bool          `mapstructure:"enabled"`
	DetectionWindow    time.Duration `mapstructure:"detection_window"`
	ViolationThreshold int           `mapstructure:"violation_threshold"`
	Multipliers        []int         `mapstructure:"multipliers" validate:"omitempty,dive,gte=1"`
	MaxEntries         int64         `mapstructure:"max_entries" validate:"omitempty,gt=0"`
}

// Loader reads and validates policy snapshots from a config file with
// ADMIT_-prefixed environment overrides.
type Loader struct {
	v        *viper.Viper
	validate *validator.Validate
}

// NewLoader creates a loader for the given TOML/YAML/JSON policy file.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ADMIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	return &Loader{
		v:        v,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Load reads, validates, and builds a snapshot. Callers treat an error as
// fatal on first load and as keep-last-good on reload.
func (l *Loader) Load() (*Snapshot, error) {
	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("policy: read config: %w", err)
	}

	var fc fileConfig
	if err := l.v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("policy: decode config: %w", err)
	}

	if err := l.validate.Struct(&fc); err != nil {
		return nil, fmt.Errorf("policy: %w: %w", commonerrors.ErrInvalidConfiguration, err)
	}

	return buildSnapshot(fc)
}

// Watch invokes fn with a freshly loaded snapshot whenever the policy file
// changes on disk. Load failures are reported through fn with a nil
// snapshot; the caller keeps the last good one.
func (l *Loader) Watch(fn func(*Snapshot, error)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		fn(l.Load())
	})
	l.v.WatchConfig()
}

// buildSnapshot converts the validated file document into an immutable
// snapshot, rejecting semantic errors the tag validator cannot see.
func buildSnapshot(fc fileConfig) (*Snapshot, error) {
	s := &Snapshot{
		Default:        buildRule(fc.Default.Algorithm, fc.Default.Quotas),
		RetryAfterMode: RetryAfterMode(fc.RetryAfterMode),
		ExemptUsers:    make(map[string]struct{}, len(fc.Exemptions.Users)),
		Penalty: PenaltyConfig{
			Enabled:            fc.Penalty.Enabled,
			DetectionWindow:    fc.Penalty.DetectionWindow,
			ViolationThreshold: fc.Penalty.ViolationThreshold,
			Multipliers:        fc.Penalty.Multipliers,
			MaxEntries:         fc.Penalty.MaxEntries,
		},
	}

	for _, ep := range fc.Endpoints {
		s.Endpoints = append(s.Endpoints, EndpointRule{
			Pattern: ep.Pattern,
			Rule:    buildRule(ep.Algorithm, ep.Quotas),
		})
	}

	if len(fc.Tiers) > 0 {
		s.Tiers = make(map[string]Rule, len(fc.Tiers))
		for tier, rule := range fc.Tiers {
			s.Tiers[tier] = buildRule(rule.Algorithm, rule.Quotas)
		}
	}

	for _, u := range fc.Exemptions.Users {
		s.ExemptUsers[u] = struct{}{}
	}
	for _, c := range fc.Exemptions.CIDRs {
		p, err := parsePrefix(c)
		if err != nil {
			return nil, commonerrors.NewValidationError("policy", "exemptions.cidrs", c, "not an IP or CIDR").
				WithHint("use an address like 203.0.113.5 or a range like 203.0.113.0/24")
		}
		s.ExemptNets = append(s.ExemptNets, p)
	}

	if fc.Penalty.Enabled {
		if fc.Penalty.DetectionWindow <= 0 {
			return nil, commonerrors.NewValidationError("policy", "penalty.detection_window", fc.Penalty.DetectionWindow, "must be positive when penalties are enabled")
		}
		if fc.Penalty.ViolationThreshold <= 0 {
			return nil, commonerrors.NewValidationError("policy", "penalty.violation_threshold", fc.Penalty.ViolationThreshold, "must be positive when penalties are enabled")
		}
		if len(fc.Penalty.Multipliers) == 0 {
			return nil, commonerrors.NewValidationError("policy", "penalty.multipliers", fc.Penalty.Multipliers, "at least one multiplier is required when penalties are enabled")
		}
	}

	s.Finalize()
	return s, nil
}

func buildRule(algorithm string, quotas []fileQuota) Rule {
	r := Rule{Algorithm: Algorithm(algorithm)}
	if r.Algorithm == "" {
		r.Algorithm = TokenBucket
	}
	for _, q := range quotas {
		r.Quotas = append(r.Quotas, Quota{Limit: q.Limit, Window: q.Window, Burst: q.Burst})
	}
	return r
}

// parsePrefix accepts a CIDR or a bare address (treated as a host route).
func parsePrefix(s string) (netip.Prefix, error) {
	if p, err := netip.ParsePrefix(s); err == nil {
		return p, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}
