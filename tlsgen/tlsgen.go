// Package tlsgen provisions TLS material for the content listener.
//
// Material is modeled as a pluggable capability: the Provisioner
// interface has one implementation here, Ephemeral, which generates a
// self-signed certificate in memory on every process start. A variant
// that persists material on disk would be a separate implementation of
// the same interface.
package tlsgen

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// validity is how long generated certificates remain valid. Material is
// never persisted or rotated, so the window only needs to outlive a
// single process run by a comfortable margin.
const validity = 5 * 365 * 24 * time.Hour

// Material holds an in-memory certificate and private key. It is built
// once at startup, consumed to construct the TLS accept path, and never
// written to disk.
type Material struct {
	cert tls.Certificate
}

// TLSConfig returns a server TLS configuration using the material's
// single certificate.
func (m *Material) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// Leaf returns the parsed certificate.
func (m *Material) Leaf() *x509.Certificate {
	return m.cert.Leaf
}

// Provisioner produces TLS material for the server's accept path.
type Provisioner interface {
	Provision() (*Material, error)
}

// Ephemeral generates a self-signed certificate bound to the configured
// host, valid from generation time. No external CA is involved: the
// certificate satisfies transport-encryption requirements, not trust
// verification, and clients must accept or pin it out-of-band.
type Ephemeral struct {
	// Host is the bind address the certificate is issued for. When it
	// is empty or not a usable subject, "localhost" is used.
	Host string
}

// Provision implements Provisioner.
func (e Ephemeral) Provision() (*Material, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	subject := e.Host
	if subject == "" || subject == "0.0.0.0" || subject == "::" {
		subject = "localhost"
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   subject,
			Organization: []string{"sorry-server"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	addSubjectAltNames(template, subject)

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	return &Material{cert: tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}}, nil
}

// addSubjectAltNames fills in SANs for the subject plus the loopback
// names clients commonly dial.
func addSubjectAltNames(template *x509.Certificate, subject string) {
	if ip := net.ParseIP(subject); ip != nil {
		template.IPAddresses = append(template.IPAddresses, ip)
	} else {
		template.DNSNames = append(template.DNSNames, subject)
	}
	if subject != "localhost" {
		template.DNSNames = append(template.DNSNames, "localhost")
	}
	loopback := net.ParseIP("127.0.0.1")
	if !containsIP(template.IPAddresses, loopback) {
		template.IPAddresses = append(template.IPAddresses, loopback)
	}
}

func containsIP(ips []net.IP, ip net.IP) bool {
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}
