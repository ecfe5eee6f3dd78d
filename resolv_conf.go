package nodeaddr

import (
	"errors"
	"fmt"
	"io/fs"
	"net"

	"github.com/miekg/dns"
)

var errNoNameservers = errors.New("no nameservers configured")

// loadResolvConf returns the nameservers listed in a resolv.conf file as host:port
func loadResolvConf(path string) ([]string, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", errNoNameservers, path)
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("%w in %s", errNoNameservers, path)
	}

	port := cfg.Port
	if port == "" {
		port = "53"
	}
	servers := make([]string, len(cfg.Servers))
	for i, s := range cfg.Servers {
		servers[i] = net.JoinHostPort(s, port)
	}
	return servers, nil
}
