package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// ServiceDID is the authoritative DID of this feed generator, and the
	// expected JWT audience of every feed request. Derived from Hostname
	// when FEEDGEN_SERVICE_DID is not set.
	ServiceDID string

	// PublisherDID is the DID of the account that published the feed
	// generator record. cmd/server uses it to build the feed's AT-URI.
	PublisherDID string

	// DatabaseURL is the Store connection string, e.g. "sqlite:./feed.db".
	DatabaseURL string

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	port := 3000
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := os.Getenv("FEEDGEN_HOSTNAME")

	serviceDID := os.Getenv("FEEDGEN_SERVICE_DID")
	if serviceDID == "" {
		if hostname == "" {
			return nil, fmt.Errorf("FEEDGEN_SERVICE_DID or FEEDGEN_HOSTNAME must be set")
		}
		serviceDID = "did:web:" + hostname
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		dbURL = "sqlite:./feed.db"
	}

	jetstreamHostname := os.Getenv("JETSTREAM_HOSTNAME")
	if jetstreamHostname == "" {
		jetstreamHostname = "jetstream1.us-east.bsky.network"
	}

	return &Config{
		Hostname:     hostname,
		Port:         port,
		ServiceDID:   serviceDID,
		PublisherDID: os.Getenv("FEEDGEN_PUBLISHER_DID"),
		DatabaseURL:  dbURL,
		FirehoseURL:  "wss://" + jetstreamHostname + "/subscribe",
	}, nil
}
