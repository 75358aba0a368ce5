package graph_dirsync

import (
	"fmt"
	"os"

	"opsbridge.io/graph-dirsync/dirsync"
)

const (
	envTenantID     = "GRAPH_TENANT_ID"
	envClientID     = "GRAPH_CLIENT_ID"
	envClientSecret = "GRAPH_CLIENT_SECRET"
	envOrgDomain    = "DIRECTORY_ORG_DOMAIN"
	envAPIUser      = "DIRECTORY_API_USER"
	envAPIPassword  = "DIRECTORY_API_PASSWORD"
	envClientState  = "WEBHOOK_CLIENT_STATE"
	envRegions      = "DIRECTORY_REGIONS"
)

// LoadConfigFromEnv assembles the pipeline configuration from environment
// variables. Configuration is read per invocation and never reloaded while
// a notification is in flight. DIRECTORY_REGIONS is a comma separated
// region list; when unset, every known region is active.
func LoadConfigFromEnv() (cfg dirsync.Config, err error) {
	var required = func(name string) (value string) {
		value = os.Getenv(name)
		if len(value) == 0 && err == nil {
			err = fmt.Errorf("environment variable %q is not set", name)
		}
		return
	}

	cfg.TenantID = required(envTenantID)
	cfg.ClientID = required(envClientID)
	cfg.ClientSecret = required(envClientSecret)
	cfg.OrgDomain = required(envOrgDomain)
	cfg.APIUser = required(envAPIUser)
	cfg.APIPassword = required(envAPIPassword)
	cfg.ClientState = required(envClientState)
	if err != nil {
		return
	}

	if value := os.Getenv(envRegions); len(value) > 0 {
		if cfg.Regions, err = dirsync.ParseRegions(value); err != nil {
			return
		}
	} else {
		cfg.Regions = dirsync.AllRegions()
	}
	return
}
