// Package ca implements the clone certificate authority. A single long-lived
// self-signed root signs short-lived leaf certificates scoped to one session
// and one role, letting the two ephemeral boot agents mutually authenticate
// without trusting arbitrary peers.
package ca

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mrveiss/pureboot-sub001/cryptoutils"
	"github.com/mrveiss/pureboot-sub001/interfaces"
	"github.com/mrveiss/pureboot-sub001/metrics"
)

const (
	rootKeyFile  = "clone-ca.key"
	rootCertFile = "clone-ca.crt"

	// rootValidityYears is the self-signed root lifetime. Regenerating the
	// root invalidates every outstanding leaf and is an explicit operator
	// action, never an automatic one.
	rootValidityYears = 10

	// DefaultLeafValidity bounds how long a session's participants can keep
	// talking to each other.
	DefaultLeafValidity = 24 * time.Hour
)

// CA is the process-wide certificate authority. The root private key is
// read-only after Initialize and never leaves this package.
type CA struct {
	keyDir       string
	leafValidity time.Duration
	log          *slog.Logger

	mu       sync.RWMutex
	rootKey  *ecdsa.PrivateKey
	rootCert *x509.Certificate
	rootPEM  cryptoutils.CACert
}

// New creates a CA that persists its root material under keyDir. The CA is
// unusable until Initialize is called.
func New(keyDir string, leafValidity time.Duration, log *slog.Logger) *CA {
	if leafValidity <= 0 {
		leafValidity = DefaultLeafValidity
	}
	return &CA{
		keyDir:       keyDir,
		leafValidity: leafValidity,
		log:          log,
	}
}

// Initialize loads an existing root key and certificate from the key
// directory, or generates and persists fresh ones. It is idempotent. An
// unwritable key directory is a fatal configuration error: the process
// cannot serve without it.
func (c *CA) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rootKey != nil {
		return nil
	}

	if err := os.MkdirAll(c.keyDir, 0700); err != nil {
		return fmt.Errorf("CA key directory %s not writable: %w", c.keyDir, err)
	}

	keyPath := filepath.Join(c.keyDir, rootKeyFile)
	certPath := filepath.Join(c.keyDir, rootCertFile)

	if _, err := os.Stat(keyPath); err == nil {
		return c.loadRoot(keyPath, certPath)
	}

	return c.generateRoot(keyPath, certPath)
}

func (c *CA) loadRoot(keyPath, certPath string) error {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return fmt.Errorf("failed to read CA key: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return fmt.Errorf("malformed CA key file %s", keyPath)
	}

	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse CA key: %w", err)
	}

	rootKey, ok := parsedKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("CA key in %s is not an EC key", keyPath)
	}

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPEM, err := cryptoutils.NewCACert(certPEM)
	if err != nil {
		return fmt.Errorf("malformed CA certificate in %s: %w", certPath, err)
	}

	rootCert, err := caPEM.GetX509Cert()
	if err != nil {
		return err
	}

	c.rootKey = rootKey
	c.rootCert = rootCert
	c.rootPEM = caPEM
	c.log.Info("Loaded existing clone CA",
		"subject", rootCert.Subject.CommonName,
		"notAfter", rootCert.NotAfter)
	return nil
}

func (c *CA) generateRoot(keyPath, certPath string) error {
	rootKey, keyPEM, err := cryptoutils.GenerateP256Key()
	if err != nil {
		return fmt.Errorf("failed to generate CA key: %w", err)
	}

	serialNumber, err := cryptoutils.RandomSerialNumber()
	if err != nil {
		return err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"PureBoot"},
			CommonName:   "PureBoot Clone CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(rootValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("failed to create CA certificate: %w", err)
	}

	certPEM := cryptoutils.EncodeCertificatePEM(certDER)

	// Key file is owner-only; losing it means re-issuing everything.
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return fmt.Errorf("failed to persist CA key: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return fmt.Errorf("failed to persist CA certificate: %w", err)
	}

	rootCert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return err
	}

	c.rootKey = rootKey
	c.rootCert = rootCert
	c.rootPEM = cryptoutils.CACert(certPEM)
	c.log.Info("Generated new clone CA",
		"keyPath", keyPath,
		"notAfter", rootCert.NotAfter)
	return nil
}

// IssueSessionCertificate generates a fresh leaf key pair and certificate for
// one participant of a session. The CN and DNS SAN are the synthetic identity
// clone-{session}-{role}; if ip is non-nil it is added as an IP SAN. Extended
// key usage depends on the role: the source agent acts as the TLS server, the
// target agent as the TLS client.
//
// The returned private key is not retained. Every issuance is logged with
// (session, role, serial) for auditability.
func (c *CA) IssueSessionCertificate(id interfaces.SessionID, role interfaces.Role, ip net.IP) (interfaces.CertificateBundle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rootKey == nil {
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: CA not initialized", interfaces.ErrCertificate)
	}

	leafKey, keyPEM, err := cryptoutils.GenerateP256Key()
	if err != nil {
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: failed to generate leaf key: %v", interfaces.ErrCertificate, err)
	}

	serialNumber, err := cryptoutils.RandomSerialNumber()
	if err != nil {
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: %v", interfaces.ErrCertificate, err)
	}

	var extKeyUsage []x509.ExtKeyUsage
	switch role {
	case interfaces.RoleSource:
		extKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case interfaces.RoleTarget:
		extKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: unknown role %q", interfaces.ErrCertificate, role)
	}

	cn := interfaces.CloneCommonName(id, role)
	notAfter := time.Now().Add(c.leafValidity)

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: cn,
		},
		NotBefore:             time.Now(),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           extKeyUsage,
		BasicConstraintsValid: true,
		DNSNames:              []string{cn},
	}
	if ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, c.rootCert, &leafKey.PublicKey, c.rootKey)
	if err != nil {
		return interfaces.CertificateBundle{}, fmt.Errorf("%w: failed to sign leaf: %v", interfaces.ErrCertificate, err)
	}

	c.log.Info("Issued session certificate",
		"session", id.String(),
		"role", role.String(),
		"serial", serialNumber.String(),
		"notAfter", notAfter)
	metrics.CertificatesIssued.WithLabelValues(role.String()).Inc()

	return interfaces.CertificateBundle{
		Cert:     cryptoutils.TLSCert(cryptoutils.EncodeCertificatePEM(certDER)),
		Key:      keyPEM,
		CA:       c.rootPEM,
		NotAfter: notAfter,
	}, nil
}

// RootCertificatePEM returns the CA certificate for peer validation.
func (c *CA) RootCertificatePEM() (interfaces.CACert, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.rootPEM == nil {
		return nil, fmt.Errorf("%w: CA not initialized", interfaces.ErrCertificate)
	}
	return c.rootPEM, nil
}
