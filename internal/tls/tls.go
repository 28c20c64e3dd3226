// Package tls serves the control API over HTTPS, from configured files or a
// self-signed pair generated for the address the API listens on.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/loykin/craftvisor/internal/config"
	"github.com/loykin/craftvisor/internal/netinfo"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"

	defaultValidDays = 365
	// a generated certificate this close to expiry is replaced on startup
	renewBefore = 30 * 24 * time.Hour
)

// localIP is swapped in tests.
var localIP = netinfo.LocalIP

// SetupTLS returns the TLS configuration of the control API, or nil when TLS
// is disabled. Explicit cert/key files win over a certificate directory; a
// directory may be populated with a self-signed pair on first use.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}
	certPath, keyPath := t.CertFile, t.KeyFile
	if certPath == "" || keyPath == "" {
		if t.Dir == "" {
			return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
		}
		certPath, keyPath = filepath.Join(t.Dir, tlsCrt), filepath.Join(t.Dir, tlsKey)
		if t.AutoGenerate && needsCertificate(certPath, keyPath) {
			if err := generateCertificate(t, server.Listen); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}

	kp := &keyPair{certPath: certPath, keyPath: keyPath}
	if _, err := kp.get(); err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() },
	}, nil
}

// keyPair reloads the certificate when the file on disk changes, so a renewed
// certificate is picked up without restarting the daemon.
type keyPair struct {
	certPath, keyPath string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
	st, err := os.Stat(k.certPath)
	if err != nil {
		return nil, fmt.Errorf("stat certificate: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cert != nil && st.ModTime().Equal(k.modTime) {
		return k.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(k.certPath), filepath.Clean(k.keyPath))
	if err != nil {
		if k.cert != nil {
			// half-written renewal: keep serving the previous pair
			return k.cert, nil
		}
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	k.cert, k.modTime = &cert, st.ModTime()
	return k.cert, nil
}

// needsCertificate reports whether the pair is missing, unreadable or about
// to expire.
func needsCertificate(certPath, keyPath string) bool {
	if _, err := os.Stat(keyPath); err != nil {
		return true
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certPath), filepath.Clean(keyPath))
	if err != nil || len(cert.Certificate) == 0 {
		return true
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return true
	}
	return time.Until(leaf.NotAfter) < renewBefore
}

// certHosts lists the names the control API is reached by: the listen host,
// or loopback plus this host's address when listening on all interfaces.
func certHosts(listen string) []string {
	hosts := []string{"localhost"}
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		host = listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		hosts = append(hosts, "127.0.0.1")
		if local, err := localIP(); err == nil {
			hosts = append(hosts, local)
		}
		return hosts
	}
	if !slices.Contains(hosts, host) {
		hosts = append(hosts, host)
	}
	return hosts
}

// generateCertificate writes a self-signed pair into the configured dir.
// SANs are the listen hosts plus any configured names.
func generateCertificate(t *config.TLSConfig, listen string) error {
	if err := os.MkdirAll(t.Dir, 0o750); err != nil {
		return fmt.Errorf("create certificate dir: %w", err)
	}
	gen := config.AutoGenTLS{}
	if t.AutoGen != nil {
		gen = *t.AutoGen
	}

	hosts := certHosts(listen)
	hosts = append(hosts, gen.DNSNames...)
	hosts = append(hosts, gen.IPAddresses...)
	var dnsNames, ips []string
	for _, h := range hosts {
		if net.ParseIP(h) != nil {
			if !slices.Contains(ips, h) {
				ips = append(ips, h)
			}
		} else if !slices.Contains(dnsNames, h) {
			dnsNames = append(dnsNames, h)
		}
	}
	cn := gen.CommonName
	if cn == "" {
		cn = dnsNames[0]
	}
	org := gen.Organization
	if org == "" {
		org = "craftvisor"
	}
	days := gen.ValidDays
	if days <= 0 {
		days = defaultValidDays
	}

	return GenerateSelfSignedCert(CertConfig{
		CommonName:   cn,
		Organization: org,
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(t.Dir, tlsCrt),
		KeyPath:      filepath.Join(t.Dir, tlsKey),
		CACertPath:   filepath.Join(t.Dir, tlsCaCrt),
	})
}
