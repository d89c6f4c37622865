package sandbox

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// parseHost extracts the hostname from a full URL or a bare host[:port].
func parseHost(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", err
		}
		if u.Hostname() == "" {
			return "", fmt.Errorf("url %q has no host", raw)
		}
		return u.Hostname(), nil
	}
	host, _, err := net.SplitHostPort(raw)
	if err == nil {
		return host, nil
	}
	return raw, nil
}
