package realtime

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
)

var (
	errOriginMissing     = errors.New("missing origin")
	errOriginNoAllowlist = errors.New("origin not allowed (no allowlist)")
)

// originPolicy decides which browser origins may open a websocket.
//
// An allowlist entry matches either the exact origin or, ignoring scheme and
// port, its host. "*" admits every origin.
type originPolicy struct {
	required bool
	allowed  []string
	hosts    map[string]struct{}
	any      bool
}

func newOriginPolicy(required bool, allowed []string) originPolicy {
	p := originPolicy{
		required: required,
		allowed:  allowed,
		hosts:    make(map[string]struct{}, len(allowed)),
	}
	for _, a := range allowed {
		if a == "*" {
			p.any = true
			continue
		}
		if h := originHostOnly(a); h != "" {
			p.hosts[h] = struct{}{}
		}
	}
	return p
}

func (p originPolicy) check(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	switch {
	case origin == "" && p.required:
		return errOriginMissing
	case origin == "":
		return nil
	case len(p.allowed) == 0:
		return errOriginNoAllowlist
	case p.any, slices.Contains(p.allowed, origin):
		return nil
	}

	if _, ok := p.hosts[originHostOnly(origin)]; ok {
		return nil
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// acceptPatterns feeds websocket.AcceptOptions.OriginPatterns, which matches
// host[:port] with filepath.Match. Each host is listed bare and with a port wildcard.
func (p originPolicy) acceptPatterns() []string {
	if p.any {
		return []string{"*"}
	}
	out := make([]string, 0, 2*len(p.hosts))
	for h := range p.hosts {
		out = append(out, h, h+":*")
	}
	slices.Sort(out)
	return out
}

// originHostOnly lowercases the host of an origin or host[:port], dropping scheme and port.
func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if _, rest, ok := strings.Cut(s, "://"); ok {
		s, _, _ = strings.Cut(rest, "/")
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.Trim(s, "[]"))
}
