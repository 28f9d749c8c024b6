package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Resolver finds link candidates advertised by peers on the local network.
type Resolver struct {
	cfg    Config
	browse browseFunc
}

// NewResolver creates a resolver with config defaults applied.
func NewResolver(config Config) (*Resolver, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Resolver{cfg: cfg, browse: browse}, nil
}

// Lookup browses for one scan window and returns "host:port" candidates
// advertised by clientID, IPv4 before IPv6.
func (r *Resolver) Lookup(ctx context.Context, clientID string) ([]string, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, errors.New("client ID is required")
	}

	scanCtx, cancel := context.WithTimeout(ctx, r.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	var (
		collectedMu sync.Mutex
		collected   []string
	)
	seen := make(map[string]struct{})
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				candidates, ok := parseEntry(entry, clientID)
				if !ok {
					continue
				}
				collectedMu.Lock()
				for _, candidate := range candidates {
					if _, exists := seen[candidate]; exists {
						continue
					}
					seen[candidate] = struct{}{}
					collected = append(collected, candidate)
				}
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := r.browse(scanCtx, r.cfg.Service, r.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		return nil, browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	// A timeout just means this scan window ended naturally.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	r.cfg.Logger.Debug().Str("peer", clientID).Int("candidates", len(collected)).Msg("mDNS lookup finished")
	return append([]string(nil), collected...), nil
}

func parseEntry(entry *zeroconf.ServiceEntry, wantClientID string) ([]string, bool) {
	txt := txtToMap(entry.Text)

	clientID := strings.TrimSpace(txt["client_id"])
	if clientID == "" || clientID != wantClientID || entry.Port <= 0 {
		return nil, false
	}

	v4 := make([]string, 0, len(entry.AddrIPv4))
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			v4 = append(v4, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
		}
	}
	v6 := make([]string, 0, len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			v6 = append(v6, net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)))
		}
	}
	sort.Strings(v4)
	sort.Strings(v6)
	return append(v4, v6...), true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
