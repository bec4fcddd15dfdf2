package hgfs

import (
	"fmt"
	"net/url"

	"github.com/mitchellh/go-homedir"
)

// ParseAddr splits an address URL such as tcp://127.0.0.1:12195 or
// unix://~/.hgfs.sock into a network and address usable with net.Dial and
// net.Listen. A leading ~ in the address is expanded to the home directory.
func ParseAddr(addr string) (network, address string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("cannot parse addr %q as url: %w", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return "", "", fmt.Errorf("unsupported network %q in addr %q", u.Scheme, addr)
	}

	address, err = homedir.Expand(u.Host + u.Path)
	if err != nil {
		return "", "", fmt.Errorf("invalid addr %q: %w", addr, err)
	}
	return u.Scheme, address, nil
}
