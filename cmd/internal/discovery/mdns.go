// Package discovery advertises and finds whiteboard servers on the local network over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD service the server registers.
const ServiceType = "_whiteboard._tcp"

// Advertisement describes the board being announced.
type Advertisement struct {
	// Instance defaults to the host name.
	Instance string
	// Addr is the HTTP listen address ("host:port" or ":port").
	Addr    string
	BoardID string
	WSPath  string
}

// Advertiser owns a running mDNS responder.
type Advertiser struct {
	log    *slog.Logger
	server *mdns.Server
}

// Advertise starts responding to mDNS queries for ad until Shutdown is called.
func Advertise(log *slog.Logger, ad Advertisement) (*Advertiser, error) {
	if log == nil {
		log = slog.Default()
	}

	port, err := portFromAddr(ad.Addr)
	if err != nil {
		return nil, err
	}

	instance := strings.TrimSpace(ad.Instance)
	if instance == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("discovery: hostname: %w", err)
		}
		instance = host
	}

	service, err := mdns.NewMDNSService(instance, ServiceType, "", "", port, nil, serviceTXT(ad.BoardID, ad.WSPath))
	if err != nil {
		return nil, fmt.Errorf("discovery: service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: server: %w", err)
	}

	log.Info("mdns.advertise", "instance", instance, "service", ServiceType, "port", port, "board_id", ad.BoardID)
	return &Advertiser{log: log, server: server}, nil
}

// Shutdown stops the responder (idempotent).
func (a *Advertiser) Shutdown() error {
	if a == nil || a.server == nil {
		return nil
	}
	err := a.server.Shutdown()
	a.log.Info("mdns.stop")
	return err
}

// Found is one server discovered by Browse.
type Found struct {
	Instance string
	Addr     string
	BoardID  string
	WSPath   string
}

// Browse queries the network for whiteboard servers for up to timeout.
func Browse(ctx context.Context, timeout time.Duration) ([]Found, error) {
	if timeout <= 0 {
		timeout = time.Second
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	var out []Found
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			if f, ok := foundFromEntry(e); ok {
				out = append(out, f)
			}
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	errCh := make(chan error, 1)
	go func() { errCh <- mdns.Query(params) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
		// Query returns on its own once timeout elapses.
		<-errCh
	}
	close(entries)
	<-collected

	if err != nil && !errors.Is(err, context.Canceled) {
		return out, fmt.Errorf("discovery: query: %w", err)
	}
	return out, nil
}

func foundFromEntry(e *mdns.ServiceEntry) (Found, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return Found{}, false
	}
	f := Found{
		Instance: e.Name,
		Addr:     net.JoinHostPort(e.AddrV4.String(), strconv.Itoa(e.Port)),
		WSPath:   "/ws",
	}
	for _, kv := range e.InfoFields {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "board_id":
			f.BoardID = v
		case "ws_path":
			f.WSPath = v
		}
	}
	return f, true
}

func serviceTXT(boardID, wsPath string) []string {
	if wsPath == "" {
		wsPath = "/ws"
	}
	txt := []string{"proto=whiteboard.v1", "ws_path=" + wsPath}
	if boardID != "" {
		txt = append(txt, "board_id="+boardID)
	}
	return txt
}

func portFromAddr(addr string) (int, error) {
	_, p, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return 0, fmt.Errorf("discovery: addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("discovery: addr %q: invalid port", addr)
	}
	return port, nil
}
