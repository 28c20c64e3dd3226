package netinfo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultPublicIPURL answers with the caller's public address as plain text.
const DefaultPublicIPURL = "https://api.ipify.org"

// Identity is how players reach the server.
type Identity struct {
	LocalAddress  string         `json:"local_address,omitempty"`
	PublicAddress string         `json:"public_address,omitempty"`
	Ports         map[string]int `json:"ports,omitempty"`
}

// LocalIP returns the first non-loopback IPv4 address of this host.
func LocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok || ipn.IP.IsLoopback() {
			continue
		}
		if v4 := ipn.IP.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", errors.New("no non-loopback IPv4 address found")
}

// PublicIP asks url for this host's public address. The endpoint must reply
// with the bare address in the body.
func PublicIP(ctx context.Context, client *http.Client, url string) (string, error) {
	if url == "" {
		url = DefaultPublicIPURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public ip lookup: status %d", resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(b))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("public ip lookup: invalid address %q", ip)
	}
	return ip, nil
}

// Discover fills LocalAddress and PublicAddress. Lookup failures leave the
// field empty and are returned joined; the identity is always usable.
func Discover(ctx context.Context, publicURL string, ports map[string]int) (Identity, error) {
	id := Identity{Ports: ports}
	var errs []error
	if ip, err := LocalIP(); err == nil {
		id.LocalAddress = ip
	} else {
		errs = append(errs, fmt.Errorf("local ip: %w", err))
	}
	if publicURL != "-" {
		if ip, err := PublicIP(ctx, nil, publicURL); err == nil {
			id.PublicAddress = ip
		} else {
			errs = append(errs, fmt.Errorf("public ip: %w", err))
		}
	}
	return id, errors.Join(errs...)
}
