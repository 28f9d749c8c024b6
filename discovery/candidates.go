package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// HostCandidates returns "host:port" link candidates for the local listener.
// Configured hosts win; otherwise every up, non-loopback unicast interface
// address is used, falling back to loopback when nothing else exists.
func HostCandidates(hosts []string, port int) ([]string, error) {
	if port <= 0 {
		return nil, errors.New("port must be > 0")
	}
	portText := strconv.Itoa(port)

	if len(hosts) > 0 {
		out := make([]string, 0, len(hosts))
		for _, host := range hosts {
			out = append(out, net.JoinHostPort(host, portText))
		}
		return out, nil
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []string
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() || ipNet.IP.To4() == nil {
				continue
			}
			out = append(out, net.JoinHostPort(ipNet.IP.String(), portText))
		}
	}
	if len(out) == 0 {
		out = append(out, net.JoinHostPort("127.0.0.1", portText))
	}
	return out, nil
}
