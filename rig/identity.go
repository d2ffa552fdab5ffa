// Package rig resolves which rig resource on the mmm-server represents this
// host, registering a new rig when the server does not know the hostname.
package rig

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"mmmagent/logger"
	"mmmagent/mmmclient"
)

const rigsPath = "/rigs.json"

// ErrNoRigID is returned when a registration response carries no rig id.
var ErrNoRigID = errors.New("registration response has no rig id")

// Server is the subset of the mmm-server client used for identity.
type Server interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

// Registration is the record sent when the host is unknown to the server.
type Registration struct {
	Hostname      string  `json:"hostname"`
	PowerPrice    float64 `json:"power_price"`
	PowerCurrency string  `json:"power_currency"`
}

// Summary is one entry of GET /rigs.json.
type Summary struct {
	Hostname string `json:"hostname"`
	URL      string `json:"url"`
}

type registrationResponse struct {
	Rig struct {
		ID struct {
			OID string `json:"$oid"`
		} `json:"id"`
	} `json:"rig"`
}

// Identity resolves and caches the resource path of this host's rig.
// Once resolved the path never changes for the life of the process.
type Identity struct {
	server       Server
	registration Registration
	logger       *slog.Logger

	mu           sync.Mutex
	resourcePath string
}

// NewIdentity creates an unresolved identity for registration.Hostname.
// Registration defaults: power price 0, currency "USD".
func NewIdentity(server Server, registration Registration, log *slog.Logger) *Identity {
	if registration.PowerCurrency == "" {
		registration.PowerCurrency = "USD"
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Identity{server: server, registration: registration, logger: log}
}

// Hostname returns the hostname this identity resolves.
func (id *Identity) Hostname() string {
	return id.registration.Hostname
}

// Cached returns the resolved resource path, if any, without a server call.
func (id *Identity) Cached() (string, bool) {
	id.mu.Lock()
	defer id.mu.Unlock()
	return id.resourcePath, id.resourcePath != ""
}

// Resolve returns the rig resource path, e.g. "/rigs/5a1b.json".
//
// The first successful call looks the hostname up in GET /rigs.json and,
// when absent, registers the rig with POST /rigs.json. Later calls return
// the cached path. Errors are returned as-is for the caller to retry;
// nothing is cached on failure.
func (id *Identity) Resolve(ctx context.Context) (string, error) {
	id.mu.Lock()
	defer id.mu.Unlock()

	if id.resourcePath != "" {
		return id.resourcePath, nil
	}

	path, found, err := id.lookup(ctx)
	if err != nil {
		return "", err
	}
	if !found {
		path, err = id.register(ctx)
		if err != nil {
			return "", err
		}
	}

	id.resourcePath = path
	id.logger.Debug("rig identity resolved", "hostname", id.registration.Hostname, "path", path)
	return path, nil
}

func (id *Identity) lookup(ctx context.Context) (string, bool, error) {
	var rigs []Summary
	if err := id.server.Get(ctx, rigsPath, &rigs); err != nil {
		return "", false, fmt.Errorf("failed to list rigs: %w", err)
	}

	// A later record for the same hostname supersedes an earlier one.
	var match *Summary
	for i := range rigs {
		if rigs[i].Hostname == id.registration.Hostname {
			match = &rigs[i]
		}
	}
	if match == nil {
		return "", false, nil
	}

	path, err := mmmclient.PathOf(match.URL)
	if err != nil {
		return "", false, fmt.Errorf("rig %s: %w", match.Hostname, err)
	}
	if path == "" {
		return "", false, fmt.Errorf("rig %s: %w: empty url", match.Hostname, mmmclient.ErrDecode)
	}
	return path, true, nil
}

func (id *Identity) register(ctx context.Context) (string, error) {
	id.logger.Info("creating the rig on mmm-server", "hostname", id.registration.Hostname)

	var resp registrationResponse
	if err := id.server.Post(ctx, rigsPath, id.registration, &resp); err != nil {
		return "", fmt.Errorf("failed to register rig: %w", err)
	}
	if resp.Rig.ID.OID == "" {
		return "", fmt.Errorf("failed to register rig: %w", ErrNoRigID)
	}
	return ResourcePath(resp.Rig.ID.OID), nil
}

// ResourcePath builds the resource path of the rig with the given id.
func ResourcePath(id string) string {
	return "/rigs/" + id + ".json"
}
