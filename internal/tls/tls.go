// Package tls provides client TLS settings for outbound SMTP and certificate
// material for the capture sink.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// certLifetime is the validity period of generated certificates.
const certLifetime = 365 * 24 * time.Hour

var defaultHosts = []string{"localhost", "127.0.0.1"}

// ClientConfig returns the TLS configuration used for STARTTLS and implicit
// TLS connections to host. Certificates are verified against roots, or the
// system pool when roots is nil, unless skipVerify is set.
func ClientConfig(host string, roots *x509.CertPool, skipVerify bool) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		RootCAs:            roots,
		InsecureSkipVerify: skipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}

// SelfSigned creates an in-memory ECDSA P-256 certificate. Each host becomes
// an IP or DNS SAN and the first one the common name. With no hosts the
// certificate covers localhost and 127.0.0.1.
func SelfSigned(hosts ...string) (*tls.Certificate, error) {
	if len(hosts) == 0 {
		hosts = defaultHosts
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: hosts[0], Organization: []string{"smtp-notify-lite sink"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(certLifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, h)
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CertPool returns a pool trusting the leaf of cert. Tests use it to let the
// client verify a self-signed sink.
func CertPool(cert *tls.Certificate) (*x509.CertPool, error) {
	if cert == nil || len(cert.Certificate) == 0 {
		return nil, errors.New("certificate is empty")
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return pool, nil
}

// ServerConfig returns the sink's server TLS configuration. The key pair is
// read from certFile and keyFile, or generated when either is empty.
func ServerConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	if certFile != "" && keyFile != "" {
		loaded, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		cert = loaded
	} else {
		generated, err := SelfSigned()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
		cert = *generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
