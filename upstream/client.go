package upstream

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrMissingConfig = errors.New("server config missing MaxNumberOfUpdatesPerRequest")

const (
	DefaultBaseURL  = "https://fe2.update.microsoft.com/v6/"
	DefaultTimeout  = 3 * time.Minute
	protocolVersion = "1.20"
	// A cookie expiring within this window is refreshed before use.
	cookieRefreshWindow = 2 * time.Minute
	// used when the server sends an expiration we cannot read
	fallbackCookieLifetime = 30 * time.Minute
)

// Endpoint holds the two service URLs of an upstream update server.
type Endpoint struct {
	ServerSyncURL string
	AuthURL       string
}

// NewEndpoint derives the service URLs from a server base URL such as
// https://fe2.update.microsoft.com/v6/.
func NewEndpoint(base string) Endpoint {
	if strings.TrimSpace(base) == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return Endpoint{
		ServerSyncURL: base + "ServerSyncWebService/ServerSyncWebService.asmx",
		AuthURL:       base + "DssAuthWebService/DssAuthWebService.asmx",
	}
}

// ServerConfig is the subset of server-sync configuration this client uses.
type ServerConfig struct {
	MaxUpdatesPerRequest int
	NewConfigAnchor      string
	CatalogOnlySync      bool
	LazySync             bool
}

// RevisionQuery selects what GetRevisionIdList enumerates.
type RevisionQuery struct {
	// Config requests configuration entries (categories) only.
	Config bool
	Filter UpdateFilter
	// Anchor, when set, restricts the listing to entries changed since it.
	Anchor string
}

type ClientConfig struct {
	Endpoint   Endpoint
	Timeout    time.Duration
	HTTPClient *http.Client
	Decoder    *Decoder
	Logger     *zap.Logger
}

// Client holds one authenticated session against a server-sync endpoint.
// It is not safe for concurrent use; calls are issued sequentially.
type Client struct {
	endpoint Endpoint
	hc       *http.Client
	decoder  *Decoder
	logger   *zap.Logger
	now      func() time.Time

	cookie *sessionCookie
	config *ServerConfig
}

type sessionCookie struct {
	raw        cookieXML
	expiration time.Time
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Endpoint.ServerSyncURL == "" || cfg.Endpoint.AuthURL == "" {
		cfg.Endpoint = NewEndpoint("")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	dec := cfg.Decoder
	if dec == nil {
		dec = NewDecoder()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		hc:       hc,
		decoder:  dec,
		logger:   logger.Named("upstream"),
		now:      time.Now,
	}
}

type authorizationCookieXML struct {
	PlugInID   string `xml:"PlugInId"`
	CookieData string `xml:"CookieData"`
}

type cookieXML struct {
	Expiration    string `xml:"Expiration"`
	EncryptedData string `xml:"EncryptedData"`
}

type getAuthorizationCookieRequest struct {
	XMLName     xml.Name `xml:"http://www.microsoft.com/SoftwareDistribution/Server/DssAuthWebService GetAuthorizationCookie"`
	AccountName string   `xml:"accountName"`
	AccountGUID string   `xml:"accountGuid"`
}

type getAuthorizationCookieResponse struct {
	XMLName xml.Name               `xml:"GetAuthorizationCookieResponse"`
	Result  authorizationCookieXML `xml:"GetAuthorizationCookieResult"`
}

type getCookieRequest struct {
	XMLName         xml.Name                 `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetCookie"`
	AuthCookies     []authorizationCookieXML `xml:"authCookies>AuthorizationCookie"`
	OldCookie       *cookieXML               `xml:"oldCookie,omitempty"`
	LastChange      string                   `xml:"lastChange"`
	CurrentTime     string                   `xml:"currentTime"`
	ProtocolVersion string                   `xml:"protocolVersion"`
}

type getCookieResponse struct {
	XMLName xml.Name  `xml:"GetCookieResponse"`
	Result  cookieXML `xml:"GetCookieResult"`
}

// Authenticate obtains a fresh access cookie, passing the previous one (if
// any) so the server can renew it.
func (c *Client) Authenticate(ctx context.Context) error {
	accountGUID := uuid.New().String()
	authReq := getAuthorizationCookieRequest{AccountName: accountGUID, AccountGUID: accountGUID}
	var authResp getAuthorizationCookieResponse
	if err := c.call(ctx, c.endpoint.AuthURL, dssAuthNS, "GetAuthorizationCookie", authReq, &authResp); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	now := c.now().UTC()
	req := getCookieRequest{
		AuthCookies:     []authorizationCookieXML{authResp.Result},
		LastChange:      now.Add(-24 * time.Hour).Format(time.RFC3339),
		CurrentTime:     now.Format(time.RFC3339),
		ProtocolVersion: protocolVersion,
	}
	if c.cookie != nil {
		old := c.cookie.raw
		req.OldCookie = &old
	}
	var resp getCookieResponse
	if err := c.call(ctx, c.endpoint.ServerSyncURL, serverSyncNS, "GetCookie", req, &resp); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if strings.TrimSpace(resp.Result.EncryptedData) == "" {
		return fmt.Errorf("authenticate: empty cookie")
	}
	exp, ok := parseTimeString(resp.Result.Expiration)
	if !ok {
		exp = now.Add(fallbackCookieLifetime)
		c.logger.Warn("unparseable cookie expiration, assuming default lifetime",
			zap.String("expiration", resp.Result.Expiration), zap.Duration("lifetime", fallbackCookieLifetime))
	}
	c.cookie = &sessionCookie{raw: resp.Result, expiration: exp}
	c.logger.Debug("authenticated", zap.Time("expiration", exp))
	return nil
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.cookie != nil && c.cookie.expiration.After(c.now().Add(cookieRefreshWindow)) {
		return nil
	}
	return c.Authenticate(ctx)
}

type getConfigDataRequest struct {
	XMLName      xml.Name  `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetConfigData"`
	Cookie       cookieXML `xml:"cookie"`
	ConfigAnchor string    `xml:"configAnchor,omitempty"`
}

type getConfigDataResponse struct {
	XMLName xml.Name `xml:"GetConfigDataResponse"`
	Result  *struct {
		MaxNumberOfUpdatesPerRequest int    `xml:"MaxNumberOfUpdatesPerRequest"`
		NewConfigAnchor              string `xml:"NewConfigAnchor"`
		CatalogOnlySync              bool   `xml:"CatalogOnlySync"`
		LazySync                     bool   `xml:"LazySync"`
	} `xml:"GetConfigDataResult"`
}

// ServerConfig returns the server-imposed limits, fetching them on first use.
func (c *Client) ServerConfig(ctx context.Context) (ServerConfig, error) {
	if err := c.ensureToken(ctx); err != nil {
		return ServerConfig{}, err
	}
	if c.config != nil {
		return *c.config, nil
	}
	var resp getConfigDataResponse
	req := getConfigDataRequest{Cookie: c.cookie.raw}
	if err := c.call(ctx, c.endpoint.ServerSyncURL, serverSyncNS, "GetConfigData", req, &resp); err != nil {
		return ServerConfig{}, fmt.Errorf("get server config: %w", err)
	}
	if resp.Result == nil || resp.Result.MaxNumberOfUpdatesPerRequest <= 0 {
		return ServerConfig{}, fmt.Errorf("get server config: %w", ErrMissingConfig)
	}
	c.config = &ServerConfig{
		MaxUpdatesPerRequest: resp.Result.MaxNumberOfUpdatesPerRequest,
		NewConfigAnchor:      resp.Result.NewConfigAnchor,
		CatalogOnlySync:      resp.Result.CatalogOnlySync,
		LazySync:             resp.Result.LazySync,
	}
	c.logger.Debug("server config", zap.Int("max_updates_per_request", c.config.MaxUpdatesPerRequest))
	return *c.config, nil
}

type idAndDeltaXML struct {
	ID    string `xml:"Id"`
	Delta bool   `xml:"Delta"`
}

type syncFilterXML struct {
	GetConfig       bool            `xml:"GetConfig"`
	Anchor          string          `xml:"Anchor,omitempty"`
	Categories      []idAndDeltaXML `xml:"Categories>IdAndDelta"`
	Classifications []idAndDeltaXML `xml:"Classifications>IdAndDelta"`
}

type getRevisionIDListRequest struct {
	XMLName xml.Name      `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetRevisionIdList"`
	Cookie  cookieXML     `xml:"cookie"`
	Filter  syncFilterXML `xml:"filter"`
}

type updateIdentityXML struct {
	UpdateID       string `xml:"UpdateID"`
	RevisionNumber int    `xml:"RevisionNumber"`
}

type getRevisionIDListResponse struct {
	XMLName xml.Name `xml:"GetRevisionIdListResponse"`
	Result  *struct {
		Anchor       string              `xml:"Anchor"`
		NewRevisions []updateIdentityXML `xml:"NewRevisions>UpdateIdentity"`
	} `xml:"GetRevisionIdListResult"`
}

// ListRevisionIDs enumerates remote package identities matching q and
// returns them with the anchor of this listing.
func (c *Client) ListRevisionIDs(ctx context.Context, q RevisionQuery) ([]PackageIdentity, string, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, "", err
	}
	filter := syncFilterXML{GetConfig: q.Config, Anchor: q.Anchor}
	if !q.Config {
		for _, id := range q.Filter.ProductIDs {
			filter.Categories = append(filter.Categories, idAndDeltaXML{ID: id.String()})
		}
		for _, id := range q.Filter.ClassificationIDs {
			filter.Classifications = append(filter.Classifications, idAndDeltaXML{ID: id.String()})
		}
	}
	req := getRevisionIDListRequest{Cookie: c.cookie.raw, Filter: filter}
	var resp getRevisionIDListResponse
	if err := c.call(ctx, c.endpoint.ServerSyncURL, serverSyncNS, "GetRevisionIdList", req, &resp); err != nil {
		return nil, "", fmt.Errorf("list revision ids: %w", err)
	}
	if resp.Result == nil {
		return nil, "", fmt.Errorf("list revision ids: empty result")
	}
	out := make([]PackageIdentity, 0, len(resp.Result.NewRevisions))
	for _, rev := range resp.Result.NewRevisions {
		id, err := uuid.Parse(strings.TrimSpace(rev.UpdateID))
		if err != nil {
			return nil, "", fmt.Errorf("list revision ids: bad UpdateID %q: %w", rev.UpdateID, err)
		}
		out = append(out, PackageIdentity{ID: id, Revision: rev.RevisionNumber})
	}
	return out, resp.Result.Anchor, nil
}

type getUpdateDataRequest struct {
	XMLName   xml.Name            `xml:"http://www.microsoft.com/SoftwareDistribution/Server/ServerSyncWebService GetUpdateData"`
	Cookie    cookieXML           `xml:"cookie"`
	UpdateIDs []updateIdentityXML `xml:"updateIds>UpdateIdentity"`
}

type serverSyncUpdateDataXML struct {
	ID                      updateIdentityXML `xml:"Id"`
	XMLUpdateBlob           string            `xml:"XmlUpdateBlob"`
	XMLUpdateBlobCompressed string            `xml:"XmlUpdateBlobCompressed"`
}

type serverSyncURLDataXML struct {
	FileDigest string `xml:"FileDigest"`
	MUURL      string `xml:"MUUrl"`
	UssURL     string `xml:"UssUrl"`
}

type getUpdateDataResponse struct {
	XMLName xml.Name `xml:"GetUpdateDataResponse"`
	Result  *struct {
		Updates  []serverSyncUpdateDataXML `xml:"updates>ServerSyncUpdateData"`
		FileURLs []serverSyncURLDataXML    `xml:"fileUrls>ServerSyncUrlData"`
	} `xml:"GetUpdateDataResult"`
}

// FetchMetadata retrieves metadata for ids in sequential batches no larger
// than the server limit, handing each decoded package to fn as it is parsed.
// ctx is checked before each batch. An error from fn stops the fetch and is
// returned unchanged.
func (c *Client) FetchMetadata(ctx context.Context, ids []PackageIdentity, progress ProgressFunc, fn func(*Package) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg, err := c.ServerConfig(ctx)
	if err != nil {
		return err
	}

	total := len(ids)
	current := 0
	for start := 0; start < len(ids); start += cfg.MaxUpdatesPerRequest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ensureToken(ctx); err != nil {
			return err
		}
		end := min(start+cfg.MaxUpdatesPerRequest, len(ids))
		batch := ids[start:end]

		req := getUpdateDataRequest{Cookie: c.cookie.raw}
		for _, id := range batch {
			req.UpdateIDs = append(req.UpdateIDs, updateIdentityXML{UpdateID: id.ID.String(), RevisionNumber: id.Revision})
		}
		var resp getUpdateDataResponse
		if err := c.call(ctx, c.endpoint.ServerSyncURL, serverSyncNS, "GetUpdateData", req, &resp); err != nil {
			return fmt.Errorf("fetch metadata: %w", err)
		}
		if resp.Result == nil {
			return fmt.Errorf("fetch metadata: empty result")
		}

		fileURLs := make(map[string]string, len(resp.Result.FileURLs))
		for _, f := range resp.Result.FileURLs {
			fileURLs[strings.TrimSpace(f.FileDigest)] = f.MUURL
		}
		for _, raw := range resp.Result.Updates {
			data := rawUpdateData{XMLBlob: raw.XMLUpdateBlob}
			if raw.XMLUpdateBlob == "" && raw.XMLUpdateBlobCompressed != "" {
				b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw.XMLUpdateBlobCompressed))
				if err != nil {
					return fmt.Errorf("fetch metadata: update %s: compressed blob: %w", raw.ID.UpdateID, err)
				}
				data.XMLBlobCompressed = b
			}
			pkg, err := c.decoder.decode(data, fileURLs)
			if err != nil {
				return fmt.Errorf("fetch metadata: update %s: %w", raw.ID.UpdateID, err)
			}
			upstreamPackagesFetched.Inc()
			if err := fn(pkg); err != nil {
				return err
			}
		}

		current += len(batch)
		if progress != nil {
			progress(Progress{Current: current, Total: total})
		}
	}
	return nil
}

func (c *Client) call(ctx context.Context, url string, namespace string, operation string, in any, out any) error {
	err := soapCall(ctx, c.hc, url, namespace, operation, in, out)
	result := "ok"
	if err != nil {
		result = "error"
	}
	upstreamRequests.WithLabelValues(operation, result).Inc()
	return err
}
