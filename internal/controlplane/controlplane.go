// Package controlplane wraps the seven idempotent HTTP calls the gateway
// makes against the external control plane: key/stargazer lookups, banner
// and QR-code rendering, and proxy-cache/tunnel-existence management.
//
// Every call is side-effect-safe to retry (cache_add/cache_remove are
// idempotent by design) and degrades to a conservative default on any
// transport or non-2xx error — a failing control plane is never fatal to the
// gateway, only to the one request that needed it.
package controlplane

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"time"
)

// callTimeout bounds every ControlPlane HTTP call (spec §4.1).
const callTimeout = 10 * time.Second

// Client is the gateway's handle onto the external control plane.
type Client struct {
	httpClient *http.Client

	keyMatchesURL   string
	isStargazerURL  string
	qrcodeURL       string
	bannerURL       string
	cacheAddURL     string
	cacheRemoveURL  string
	tunnelExistsURL string
}

// Config carries the seven endpoint URLs the Client dispatches to.
type Config struct {
	KeyMatchesAccountURL   string
	IsUserStargazerURL     string
	GenerateQRCodeURL      string
	BannerURL              string
	CacheAddURL            string
	CacheRemoveURL         string
	CheckIfTunnelExistsURL string
}

// New builds a Client from the given endpoint configuration.
func New(cfg Config) *Client {
	return &Client{
		httpClient:      &http.Client{Timeout: callTimeout},
		keyMatchesURL:   cfg.KeyMatchesAccountURL,
		isStargazerURL:  cfg.IsUserStargazerURL,
		qrcodeURL:       cfg.GenerateQRCodeURL,
		bannerURL:       cfg.BannerURL,
		cacheAddURL:     cfg.CacheAddURL,
		cacheRemoveURL:  cfg.CacheRemoveURL,
		tunnelExistsURL: cfg.CheckIfTunnelExistsURL,
	}
}

// BannerType identifies one of the two banner texts the control plane can render.
type BannerType string

const (
	BannerWelcome          BannerType = "welcome"
	BannerUnrecognisedUser BannerType = "unrecognised_user"
)

// keyMatchesResponse is the JSON shape returned by the key-matching endpoint.
type keyMatchesResponse struct {
	Matches     bool `json:"matches"`
	IsStargazer bool `json:"isStargazer"`
}

// KeyMatches checks whether keyLine (a canonical "algo base64 [comment]"
// public-key line) is registered for username. On any transport or non-2xx
// error it fails closed: (false, false).
func (c *Client) KeyMatches(ctx context.Context, username, keyLine string) (matches, isStargazer bool) {
	var resp keyMatchesResponse
	if err := c.getJSON(ctx, c.keyMatchesURL, url.Values{
		"username": {username},
		"key":      {keyLine},
	}, &resp); err != nil {
		log.Printf("[controlplane] key_matches(%s): %v", username, err)
		return false, false
	}
	return resp.Matches, resp.IsStargazer
}

// IsStargazer reports ControlPlane's stargazer hint for username. Fails
// closed (false) on any error.
func (c *Client) IsStargazer(ctx context.Context, username string) bool {
	var resp struct {
		IsStargazer bool `json:"isStargazer"`
	}
	if err := c.getJSON(ctx, c.isStargazerURL, url.Values{"username": {username}}, &resp); err != nil {
		log.Printf("[controlplane] is_stargazer(%s): %v", username, err)
		return false
	}
	return resp.IsStargazer
}

// QRCode returns a pre-rendered QR code string for the given URL. Returns ""
// on any error.
func (c *Client) QRCode(ctx context.Context, target string) string {
	var resp struct {
		QRCodeText string `json:"qrCodeText"`
	}
	if err := c.getJSON(ctx, c.qrcodeURL, url.Values{"url": {target}}, &resp); err != nil {
		log.Printf("[controlplane] qrcode(%s): %v", target, err)
		return ""
	}
	return resp.QRCodeText
}

// Banner returns the opaque banner text for the given type. Returns "" on
// any error.
func (c *Client) Banner(ctx context.Context, bannerType BannerType) string {
	var resp struct {
		BannerContent string `json:"bannerContent"`
	}
	if err := c.getJSON(ctx, c.bannerURL, url.Values{"type": {string(bannerType)}}, &resp); err != nil {
		log.Printf("[controlplane] banner(%s): %v", bannerType, err)
		return ""
	}
	return resp.BannerContent
}

// CacheAdd registers name -> addr with the external reverse proxy cache.
// Reports success via the HTTP status code alone (the endpoint has no body).
// Returns false (and logs) on any error — never fatal to the caller.
func (c *Client) CacheAdd(ctx context.Context, name, addr string) bool {
	ok, err := c.getStatusOK(ctx, c.cacheAddURL, url.Values{"app_name": {name}, "ipv6": {addr}})
	if err != nil {
		log.Printf("[controlplane] cache_add(%s): %v", name, err)
		return false
	}
	return ok
}

// CacheRemove unregisters name from the external reverse proxy cache.
// Idempotent: calling it a second time for an already-removed name is a
// harmless no-op from the gateway's point of view. Returns false (and logs)
// on any error.
func (c *Client) CacheRemove(ctx context.Context, name string) bool {
	ok, err := c.getStatusOK(ctx, c.cacheRemoveURL, url.Values{"app_name": {name}})
	if err != nil {
		log.Printf("[controlplane] cache_remove(%s): %v", name, err)
		return false
	}
	return ok
}

// TunnelExists probes whether name is already registered elsewhere.
//
// Unlike every other operation here, this one fails OPEN toward refusal: any
// transport error OR non-2xx response — not merely a transport failure — is
// treated as "true" (tunnel exists), so the caller refuses the forward
// request rather than risking a name collision (spec §9 — preserved from
// the original's non-200-means-exists behavior). Only a clean 200 response
// is treated as "does not exist".
func (c *Client) TunnelExists(ctx context.Context, name string) bool {
	resp, err := c.get(ctx, c.tunnelExistsURL, url.Values{"app_name": {name}})
	if err != nil {
		log.Printf("[controlplane] tunnel_exists(%s): %v — treating as exists", name, err)
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[controlplane] tunnel_exists(%s): status %d — treating as exists", name, resp.StatusCode)
		return true
	}
	return false
}

// getStatusOK issues a GET and reports whether the response status was 200,
// without attempting to parse a body. A non-200 status is reported as an
// error so that the caller logs it like a transport failure.
func (c *Client) getStatusOK(ctx context.Context, base string, params url.Values) (bool, error) {
	resp, err := c.get(ctx, base, params)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, errStatus(resp.StatusCode)
	}
	return true, nil
}

// getJSON issues a GET and decodes a 200 response body as JSON into out. A
// non-200 status is reported as an error (the caller's conservative default
// then applies), matching the original's status_code == 200 gate.
func (c *Client) getJSON(ctx context.Context, base string, params url.Values, out any) error {
	resp, err := c.get(ctx, base, params)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errStatus(resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) get(ctx context.Context, base string, params url.Values) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return c.httpClient.Do(req)
}

type errStatus int

func (e errStatus) Error() string {
	return "controlplane: unexpected status " + http.StatusText(int(e))
}
