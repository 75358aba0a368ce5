package dirsync

import (
	"fmt"
	"strings"
)

// Region identifies one independently addressed deployment of the external
// directory service. Regions share no state with each other.
type Region string

const (
	RegionUS Region = "us"
	RegionEU Region = "eu"
)

var regionHosts = map[Region]string{
	RegionUS: "https://us1.proofpointessentials.com",
	RegionEU: "https://eu1.proofpointessentials.com",
}

// AllRegions lists every known deployment region.
func AllRegions() []Region {
	return []Region{RegionUS, RegionEU}
}

// ParseRegions resolves a comma or newline separated list of region names.
func ParseRegions(value string) (regions []Region, err error) {
	var seen = NewSet[Region]()
	for _, name := range splitList(value) {
		var region = Region(strings.ToLower(name))
		if _, ok := regionHosts[region]; !ok {
			err = fmt.Errorf("unknown directory region %q", name)
			return
		}
		if seen.Has(region) {
			continue
		}
		seen.Add(region)
		regions = append(regions, region)
	}
	if len(regions) == 0 {
		err = fmt.Errorf("no directory regions configured")
	}
	return
}

// Config carries everything the pipeline needs, assembled by the caller.
// Nothing in this package reads the environment.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	OrgDomain   string
	APIUser     string
	APIPassword string

	ClientState string
	Regions     []Region
}

// DirectoryUser is a member profile resolved from the identity provider.
// It lives only for the duration of processing one member.
type DirectoryUser struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName"`
	UserPrincipalName string `json:"userPrincipalName"`
	GivenName         string `json:"givenName"`
	Surname           string `json:"surname"`
}

const (
	AccountTypeEndUser      = "end_user"
	AccountTypeChannelAdmin = "channel_admin"
)

// RegionalAccount is one user record in a regional directory deployment,
// keyed by (region, primary email). Its existence in a region is the
// engine's source of truth.
type RegionalAccount struct {
	Firstname    string `json:"firstname"`
	Surname      string `json:"surname"`
	PrimaryEmail string `json:"primary_email"`
	Type         string `json:"type"`
}

// OutcomeKind classifies the result of reconciling one user in one region.
type OutcomeKind int

const (
	OutcomeCreated OutcomeKind = iota
	OutcomeAlreadyPresent
	OutcomeDeleted
	OutcomeAlreadyAbsent
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyPresent:
		return "already-present"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeAlreadyAbsent:
		return "already-absent"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// SyncOutcome is the per (user, region) result. It is logged and
// aggregated but never persisted.
type SyncOutcome struct {
	Email  string
	Region Region
	Kind   OutcomeKind
	Err    error
}

// SyncStat aggregates the outcomes of one notification pass.
type SyncStat struct {
	Succeeded []string
	Failed    []string
	Skipped   []string
}

func (s *SyncStat) record(o SyncOutcome) {
	var line = fmt.Sprintf("%s %s [%s]", o.Kind, o.Email, o.Region)
	if o.Kind == OutcomeFailed {
		if o.Err != nil {
			line = fmt.Sprintf("%s: %s", line, o.Err)
		}
		s.Failed = append(s.Failed, line)
		return
	}
	s.Succeeded = append(s.Succeeded, line)
}
