package config

import (
	"fmt"
	"reflect"
)

// ChangedSections reports which top-level config sections differ between the
// previous and the reloaded config. The app logs this on hot reload and uses
// it to decide which services need an Apply or restart.
func ChangedSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return []string{"all"}
	}
	var changed []string
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
	}
	if !reflect.DeepEqual(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		changed = append(changed, "report")
	}
	if d := diffTenants(oldCfg.Tenants, newCfg.Tenants); d != "" {
		changed = append(changed, d)
	}
	return changed
}

func diffTenants(oldT, newT []TenantConfig) string {
	oldM := make(map[string]TenantConfig, len(oldT))
	for _, t := range oldT {
		oldM[t.ID] = t
	}
	added, updated := 0, 0
	for _, t := range newT {
		prev, ok := oldM[t.ID]
		switch {
		case !ok:
			added++
		case !reflect.DeepEqual(prev, t):
			updated++
		}
		delete(oldM, t.ID)
	}
	removed := len(oldM)
	if added == 0 && removed == 0 && updated == 0 {
		return ""
	}
	return fmt.Sprintf("tenants(+%d/-%d/~%d)", added, removed, updated)
}
