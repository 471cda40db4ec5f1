package plugin

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"trustgate/internal/domain"
)

// CheckCompatibility verifies host lies within [min_core_version, max_core_version].
// An empty minimum means no lower bound.
func CheckCompatibility(info *domain.PluginInfo, host string) error {
	hv := canonical(host)
	if !semver.IsValid(hv) {
		return fmt.Errorf("host version %q: %w", host, domain.ErrInvalidInput)
	}

	if lo := strings.TrimSpace(info.MinCoreVersion); lo != "" {
		mv := canonical(lo)
		if !semver.IsValid(mv) {
			return domain.NewPluginError(info.ID, "CheckCompatibility", domain.ErrVersionIncompatible,
				fmt.Sprintf("min_core_version %q is not a semantic version", lo))
		}
		if semver.Compare(hv, mv) < 0 {
			return domain.NewPluginError(info.ID, "CheckCompatibility", domain.ErrVersionIncompatible,
				fmt.Sprintf("requires host >= %s, have %s", lo, host))
		}
	}

	if info.MaxCoreVersion != nil && strings.TrimSpace(*info.MaxCoreVersion) != "" {
		hi := strings.TrimSpace(*info.MaxCoreVersion)
		xv := canonical(hi)
		if !semver.IsValid(xv) {
			return domain.NewPluginError(info.ID, "CheckCompatibility", domain.ErrVersionIncompatible,
				fmt.Sprintf("max_core_version %q is not a semantic version", hi))
		}
		if semver.Compare(hv, xv) > 0 {
			return domain.NewPluginError(info.ID, "CheckCompatibility", domain.ErrVersionIncompatible,
				fmt.Sprintf("requires host <= %s, have %s", hi, host))
		}
	}
	return nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// CheckDependencies verifies every declared dependency is loaded. An entry is
// either a plugin id or "id@version", the latter requiring at least that
// version. loaded maps plugin id to its version.
func CheckDependencies(info *domain.PluginInfo, loaded map[string]string) error {
	for _, dep := range info.Dependencies {
		id, minVersion, _ := strings.Cut(strings.TrimSpace(dep), "@")
		if id == "" {
			continue
		}
		have, ok := loaded[id]
		if !ok {
			return domain.NewPluginError(info.ID, "CheckDependencies", domain.ErrDependencyNotMet,
				fmt.Sprintf("%s is not loaded", id))
		}
		if minVersion == "" {
			continue
		}
		want, got := canonical(minVersion), canonical(have)
		if !semver.IsValid(want) || !semver.IsValid(got) || semver.Compare(got, want) < 0 {
			return domain.NewPluginError(info.ID, "CheckDependencies", domain.ErrDependencyNotMet,
				fmt.Sprintf("needs %s >= %s, have %s", id, minVersion, have))
		}
	}
	return nil
}
