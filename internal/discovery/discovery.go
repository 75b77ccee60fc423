// Package discovery advertises relay servers on the local network and finds
// them again over mDNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
)

const (
	ServiceType = "_listensync._tcp"
	Domain      = "local."
)

// Server is a relay found on the LAN.
type Server struct {
	Instance string
	Host     string
	Port     int
	Path     string
}

// URL is the http base URL of the relay's websocket endpoint.
func (s Server) URL() string {
	path := s.Path
	if path == "" {
		path = "/ws"
	}
	return "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) + path
}

// Advertise registers the relay listening on port. The returned function
// withdraws the announcement.
func Advertise(logger zerolog.Logger, instance string, port int, path string) (func(), error) {
	txt := []string{"path=" + path}
	srv, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}

	logger.Info().Str("instance", instance).Int("port", port).Msg("advertising relay")
	return srv.Shutdown, nil
}

// Browse collects relays until ctx is done.
func Browse(ctx context.Context, logger zerolog.Logger) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	found := make(map[string]Server)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				s, ok := fromEntry(entry)
				if !ok {
					continue
				}
				if _, seen := found[s.Instance]; !seen {
					logger.Debug().Str("instance", s.Instance).Str("url", s.URL()).Msg("discovered relay")
				}
				found[s.Instance] = s
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	wg.Wait()

	return sorted(found), nil
}

func fromEntry(e *zeroconf.ServiceEntry) (Server, bool) {
	if e == nil || e.Port <= 0 {
		return Server{}, false
	}

	var host string
	switch {
	case len(e.AddrIPv4) > 0:
		host = e.AddrIPv4[0].String()
	case len(e.AddrIPv6) > 0:
		host = e.AddrIPv6[0].String()
	case e.HostName != "":
		host = strings.TrimSuffix(e.HostName, ".")
	default:
		return Server{}, false
	}

	s := Server{Instance: e.Instance, Host: host, Port: e.Port}
	for _, kv := range e.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok {
			s.Path = v
		}
	}
	return s, true
}

func sorted(found map[string]Server) []Server {
	out := make([]Server, 0, len(found))
	for _, s := range found {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}
