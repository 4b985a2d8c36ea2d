package config

import "slices"

// ConfigDiff carries the changes between two configs that apply to a
// running process, one flag per hot-reloadable field.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ApprovedDomainsChanged is set when the gateway origin allow-list
	// differs. Applies to new browser sessions only.
	ApprovedDomainsChanged bool
	NewApprovedDomains     []string

	// MeterRateChanged is set when quota.tokens_per_minute differs.
	// Running sessions keep their admission-time rate.
	MeterRateChanged   bool
	NewTokensPerMinute int
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ApprovedDomainsChanged && !d.MeterRateChanged
}

// Diff reduces two configs to the hot-applicable changes between them.
// Fields needing a restart never appear in the result.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Gateway.ApprovedDomains, new.Gateway.ApprovedDomains) {
		d.ApprovedDomainsChanged = true
		d.NewApprovedDomains = new.Gateway.ApprovedDomains
	}

	if old.Quota.TokensPerMinute != new.Quota.TokensPerMinute {
		d.MeterRateChanged = true
		d.NewTokensPerMinute = new.Quota.TokensPerMinute
	}

	return d
}
