package dirsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const graphDefaultBaseURL = "https://graph.microsoft.com"

// GraphClientOptions configures a GraphClient. TokenURL and BaseURL exist
// so tests can point the client at a local server; production callers leave
// them empty.
type GraphClientOptions struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// GraphClient resolves member identifiers to full user profiles through a
// Microsoft-Graph-style API, authenticating with the client-credentials
// grant against the tenant's token endpoint.
type GraphClient struct {
	creds      clientcredentials.Config
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

// NewGraphClient creates an IdentityResolver for one tenant.
func NewGraphClient(opts GraphClientOptions) *GraphClient {
	var tokenURL = opts.TokenURL
	if len(tokenURL) == 0 {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(opts.TenantID))
	}
	var baseURL = strings.TrimRight(opts.BaseURL, "/")
	if len(baseURL) == 0 {
		baseURL = graphDefaultBaseURL
	}
	var httpClient = opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	var logger = opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphClient{
		creds: clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{graphDefaultBaseURL + "/.default"},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
		baseURL:    baseURL,
		httpClient: httpClient,
		log:        logger,
	}
}

// AcquireToken performs the client-credentials exchange. The engine calls
// it at most once per notification, before any member is processed.
func (c *GraphClient) AcquireToken(ctx context.Context) (token string, err error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	var tk *oauth2.Token
	if tk, err = c.creds.Token(ctx); err != nil {
		err = &CredentialError{Err: err}
		return
	}
	token = tk.AccessToken
	return
}

// ResolveUser looks up one member by opaque identifier. Failures are
// reported as IdentityError so the engine can isolate them.
func (c *GraphClient) ResolveUser(ctx context.Context, token string, memberID string) (user *DirectoryUser, err error) {
	var endpoint = fmt.Sprintf("%s/v1.0/users/%s", c.baseURL, url.PathEscape(memberID))
	var rq *http.Request
	if rq, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil); err != nil {
		err = &IdentityError{MemberID: memberID, Err: err}
		return
	}
	rq.Header.Set("Authorization", "Bearer "+token)

	var rs *http.Response
	if rs, err = c.httpClient.Do(rq); err != nil {
		err = &IdentityError{MemberID: memberID, Err: err}
		return
	}
	defer func() { _ = rs.Body.Close() }()

	var body []byte
	if body, err = io.ReadAll(rs.Body); err != nil {
		err = &IdentityError{MemberID: memberID, Err: err}
		return
	}
	if rs.StatusCode >= 300 {
		err = &IdentityError{
			MemberID: memberID,
			Err:      fmt.Errorf("status %d: %s", rs.StatusCode, strings.TrimSpace(string(body))),
		}
		return
	}

	user = new(DirectoryUser)
	if er1 := json.Unmarshal(body, user); er1 != nil {
		user = nil
		err = &IdentityError{MemberID: memberID, Err: er1}
		return
	}
	if len(user.UserPrincipalName) == 0 {
		user = nil
		err = &IdentityError{MemberID: memberID, Err: fmt.Errorf("profile has no userPrincipalName")}
		return
	}
	c.log.Debug("resolved member",
		zap.String("member_id", memberID),
		zap.String("upn", user.UserPrincipalName))
	return
}
