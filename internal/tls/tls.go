// Package tls builds the STARTTLS configuration for the SMTP listener,
// from certificate files or a generated self-signed certificate.
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

// selfSignedValidity is how long a generated certificate is valid.
const selfSignedValidity = 365 * 24 * time.Hour

// Options selects the certificate source. With both files empty a
// self-signed certificate for Hostname is generated in memory.
type Options struct {
	CertFile string
	KeyFile  string
	Hostname string
}

// SelfSigned generates an ECDSA P-256 certificate for hostname. The
// certificate always covers localhost and 127.0.0.1 as well; hostname may
// be a DNS name or an IP address.
func SelfSigned(hostname string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate serial number: %w", err)
	}

	if hostname == "" {
		hostname = "localhost"
	}
	dnsNames, ips := subjectAltNames(hostname)

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   hostname,
			Organization: []string{"smtp-graph-relay"},
		},
		NotBefore: now.Add(-5 * time.Minute),
		NotAfter:  now.Add(selfSignedValidity),

		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,

		DNSNames:    dnsNames,
		IPAddresses: ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parse certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

func subjectAltNames(hostname string) ([]string, []net.IP) {
	dnsNames := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}

	if ip := net.ParseIP(hostname); ip != nil {
		if !ip.IsLoopback() {
			ips = append(ips, ip)
		}
	} else if hostname != "localhost" {
		dnsNames = append([]string{hostname}, dnsNames...)
	}
	return dnsNames, ips
}

// Config returns a server tls.Config for opts.
func Config(opts Options) (*tls.Config, error) {
	var cert tls.Certificate

	switch {
	case opts.CertFile != "" && opts.KeyFile != "":
		loaded, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}
		cert = loaded
	case opts.CertFile != "" || opts.KeyFile != "":
		return nil, errors.New("TLS certificate and key files must be set together")
	default:
		generated, err := SelfSigned(opts.Hostname)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed certificate: %w", err)
		}
		cert = generated
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
