package oidc

import (
	"errors"
	"net/url"
)

// Client records the metadata of a registered OIDC client. All clients are
// public PKCE clients; there are no client secrets.
type Client struct {
	ClientID     string
	RedirectURIs []string
}

// ClientRegistry is the immutable allowlist of OIDC clients, built once from
// configuration at startup and passed by injection.
type ClientRegistry struct {
	clients map[string]Client
}

// NewClientRegistry builds the registry.
func NewClientRegistry(clients []Client) (*ClientRegistry, error) {
	byID := make(map[string]Client, len(clients))
	for _, c := range clients {
		if c.ClientID == "" {
			return nil, errors.New("client_id required")
		}
		byID[c.ClientID] = c
	}
	return &ClientRegistry{clients: byID}, nil
}

// Get retrieves a client definition.
func (r *ClientRegistry) Get(id string) (Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// RedirectAllowed reports whether raw matches one of the client's registered
// redirect URIs. The match is exact, except that port mismatches are
// tolerated for localhost redirects so native clients can bind an ephemeral
// port during development. Fragments are never accepted.
func (c Client) RedirectAllowed(raw string) bool {
	req, err := url.Parse(raw)
	if err != nil || req.Fragment != "" {
		return false
	}
	for _, registered := range c.RedirectURIs {
		if registered == raw {
			return true
		}
	}
	if !isLoopbackHost(req.Hostname()) {
		return false
	}
	for _, registered := range c.RedirectURIs {
		reg, err := url.Parse(registered)
		if err != nil {
			continue
		}
		if reg.Scheme == req.Scheme && reg.Hostname() == req.Hostname() && reg.Path == req.Path {
			return true
		}
	}
	return false
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}
