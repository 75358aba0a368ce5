package dirsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DirectoryClientOptions configures a DirectoryClient. BaseURLs overrides
// the production region hosts, which tests use to point a region at a
// local server.
type DirectoryClientOptions struct {
	OrgDomain   string
	APIUser     string
	APIPassword string
	BaseURLs    map[Region]string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// DirectoryClient performs list/create/delete calls against the regional
// deployments of the external user directory. It owns no idempotency:
// callers must confirm presence or absence with ListUsers first.
type DirectoryClient struct {
	orgDomain   string
	apiUser     string
	apiPassword string
	hosts       map[Region]string
	httpClient  *http.Client
	log         *zap.Logger
}

func NewDirectoryClient(opts DirectoryClientOptions) *DirectoryClient {
	var hosts = make(map[Region]string, len(regionHosts))
	for region, host := range regionHosts {
		hosts[region] = host
	}
	for region, host := range opts.BaseURLs {
		hosts[region] = strings.TrimRight(host, "/")
	}
	var httpClient = opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	var logger = opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirectoryClient{
		orgDomain:   opts.OrgDomain,
		apiUser:     opts.APIUser,
		apiPassword: opts.APIPassword,
		hosts:       hosts,
		httpClient:  httpClient,
		log:         logger,
	}
}

type listUsersResponse struct {
	Users []RegionalAccount `json:"users"`
}

// ListUsers returns every account in the org's directory for one region.
// The API returns the whole set in a single response.
func (c *DirectoryClient) ListUsers(ctx context.Context, region Region) (accounts []RegionalAccount, err error) {
	var body []byte
	if body, err = c.execute(ctx, region, http.MethodGet, c.usersURL(region), "list", "", nil); err != nil {
		return
	}
	var rs listUsersResponse
	if er1 := json.Unmarshal(body, &rs); er1 != nil {
		err = &RegionalDirectoryError{Op: "list", Region: region, Err: er1}
		return
	}
	accounts = rs.Users
	return
}

// CreateUser adds one account in one region. Callers must have confirmed
// absence via ListUsers in the same region within the same pass.
func (c *DirectoryClient) CreateUser(ctx context.Context, region Region, account RegionalAccount) (err error) {
	if len(account.Type) == 0 {
		account.Type = AccountTypeChannelAdmin
	}
	var payload []byte
	if payload, err = json.Marshal(account); err != nil {
		return &RegionalDirectoryError{Op: "create", Region: region, Email: account.PrimaryEmail, Err: err}
	}
	_, err = c.execute(ctx, region, http.MethodPost, c.usersURL(region), "create", account.PrimaryEmail, payload)
	return
}

// DeleteUser removes the account keyed by email in one region. Callers
// must have confirmed presence via ListUsers in the same region within
// the same pass.
func (c *DirectoryClient) DeleteUser(ctx context.Context, region Region, email string) (err error) {
	var endpoint = fmt.Sprintf("%s/%s", c.usersURL(region), url.PathEscape(email))
	_, err = c.execute(ctx, region, http.MethodDelete, endpoint, "delete", email, nil)
	return
}

func (c *DirectoryClient) usersURL(region Region) string {
	return fmt.Sprintf("%s/api/v1/orgs/%s/users", c.hosts[region], url.PathEscape(c.orgDomain))
}

func (c *DirectoryClient) execute(ctx context.Context, region Region, method, endpoint, op, email string, payload []byte) (body []byte, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	var rq *http.Request
	if rq, err = http.NewRequestWithContext(ctx, method, endpoint, reader); err != nil {
		err = &RegionalDirectoryError{Op: op, Region: region, Email: email, Err: err}
		return
	}
	rq.Header.Set("X-User", c.apiUser)
	rq.Header.Set("X-Password", c.apiPassword)
	if payload != nil {
		rq.Header.Set("Content-Type", "application/json")
	}
	if id := CorrelationID(ctx); len(id) > 0 {
		rq.Header.Set("X-Correlation-Id", id)
	}

	var rs *http.Response
	if rs, err = c.httpClient.Do(rq); err != nil {
		err = &RegionalDirectoryError{Op: op, Region: region, Email: email, Err: err}
		return
	}
	defer func() { _ = rs.Body.Close() }()

	if body, err = io.ReadAll(rs.Body); err != nil {
		err = &RegionalDirectoryError{Op: op, Region: region, Email: email, Err: err}
		return
	}
	if rs.StatusCode >= 300 {
		err = &RegionalDirectoryError{
			Op:         op,
			Region:     region,
			Email:      email,
			StatusCode: rs.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
		body = nil
		return
	}
	c.log.Debug("directory call",
		zap.String("op", op),
		zap.String("region", string(region)),
		zap.String("email", email),
		zap.Int("status", rs.StatusCode))
	return
}
