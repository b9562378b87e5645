// Package config loads the gateway's process-wide configuration from
// environment variables, read once at startup.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-derived setting the gateway consumes. Each
// field's tag names the environment variable it is read from and its default.
type Config struct {
	// AccessToken is read but never consumed by the core (spec §9 open question).
	AccessToken string `envconfig:"ACCESS_TOKEN" default:""`

	UnixSocketsDirectory string `envconfig:"UNIX_SOCKETS_DIRECTORY" default:"./"`

	MainURL      string `envconfig:"MAIN_URL" default:""`
	HTTPURL      string `envconfig:"HTTP_URL" default:""`
	SSHServerURL string `envconfig:"SSH_SERVER_URL" default:""`

	ConfigDirectory string `envconfig:"CONFIG_DIRECTORY" default:"."`

	// TimeoutMinutes is the absolute session timeout, in minutes.
	TimeoutMinutes int `envconfig:"TIMEOUT" default:"120"`

	NamedTunnelsRange  string `envconfig:"NAMED_TUNNELS_RANGE" default:"1-3"`
	RandomTunnelsRange string `envconfig:"RANDOM_TUNNELS_RANGE" default:"4-5"`

	SSHServerHost string `envconfig:"SSH_SERVER_HOST" default:"0.0.0.0"`
	SSHServerPort int    `envconfig:"SSH_SERVER_PORT" default:"2222"`
	SSHServerKey  string `envconfig:"SSH_SERVER_KEY" default:""`

	LogLevel string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogDepth int    `envconfig:"LOG_DEPTH" default:"2"`

	// ControlPlane endpoints — seven idempotent HTTP capabilities (spec §4.1).
	KeyMatchesAccountURL   string `envconfig:"KEY_MATCHES_ACCOUNT_URL" default:"http://localhost:3000/keyMatchesAccount"`
	IsUserStargazerURL     string `envconfig:"IS_USER_STARGAZER_URL" default:"http://localhost:3000/isUserStargazer"`
	GenerateQRCodeURL      string `envconfig:"GENERATE_QRCODE_URL" default:"http://localhost:3000/generateQRCode"`
	BannerURL              string `envconfig:"BANNER_URL" default:"http://localhost:3000/getBanner"`
	CacheAddURL            string `envconfig:"CACHE_ADD_URL" default:"http://localhost:3000/addToNginxCache"`
	CacheRemoveURL         string `envconfig:"CACHE_REMOVE_URL" default:"http://localhost:3000/removeFromNginxCache"`
	CheckIfTunnelExistsURL string `envconfig:"CHECK_IF_TUNNEL_EXISTS" default:"http://localhost:3000/checkIfTunnelExists"`
}

// Load reads Config from the environment, applying the defaults above to any
// variable left unset.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
