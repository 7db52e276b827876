// Package certs issues the short-lived self-signed ECDSA P-256
// certificate of the local HTTP/3 origin, and the client TLS
// configuration that trusts it by fingerprint.
package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

const maxValidity = 14 * 24 * time.Hour

var (
	// ErrFingerprint is returned for a malformed fingerprint.
	ErrFingerprint = errors.New("certs: fingerprint must be 32 hex bytes")
	// ErrUntrusted is returned by pinned connections to another peer.
	ErrUntrusted = errors.New("certs: peer certificate does not match the pinned fingerprint")
)

// CertInfo holds a TLS certificate and its SHA-256 fingerprint.
type CertInfo struct {
	TLSCert     tls.Certificate
	Fingerprint [32]byte
	NotAfter    time.Time
}

// FingerprintHex returns the SHA-256 fingerprint as lowercase hex.
func (c *CertInfo) FingerprintHex() string {
	return hex.EncodeToString(c.Fingerprint[:])
}

// ServerConfig returns a TLS 1.3 server configuration presenting the
// certificate.
func (c *CertInfo) ServerConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLSCert},
		MinVersion:   tls.VersionTLS13,
	}
}

// Generate creates a self-signed certificate for localhost and hosts,
// valid for the given duration (at most 14 days). Hosts that parse as IP
// addresses become IP SANs, the rest DNS SANs.
func Generate(validity time.Duration, hosts ...string) (*CertInfo, error) {
	if validity > maxValidity || validity <= 0 {
		validity = maxValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-1 * time.Minute) // clock skew
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "refract"},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" && h != "localhost" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &CertInfo{
		TLSCert: tls.Certificate{
			Certificate: [][]byte{certDER},
			PrivateKey:  key,
		},
		Fingerprint: sha256.Sum256(certDER),
		NotAfter:    template.NotAfter,
	}, nil
}

// ParseFingerprint decodes a hex SHA-256 fingerprint; colons are allowed
// between bytes.
func ParseFingerprint(s string) ([32]byte, error) {
	var fp [32]byte
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil || len(b) != len(fp) {
		return fp, fmt.Errorf("%w: %q", ErrFingerprint, s)
	}
	copy(fp[:], b)
	return fp, nil
}

// PinnedConfig returns a client TLS configuration that accepts exactly the
// certificate with the given fingerprint, in place of chain verification.
func PinnedConfig(fingerprint [32]byte) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // replaced by VerifyPeerCertificate
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrUntrusted
			}
			sum := sha256.Sum256(rawCerts[0])
			if !bytes.Equal(sum[:], fingerprint[:]) {
				return ErrUntrusted
			}
			return nil
		},
	}
}
