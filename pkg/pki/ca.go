// Package pki implements the enrollment certificate authority: one
// self-signed ECDSA P-256 CA per process, issuing one-year leaf
// certificates for agents. Validation here is a date-window check only;
// revocation is authoritative in the identity registry (revoked_at).
package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const leafValidity = 365 * 24 * time.Hour

// CertificateAuthority issues and validates agent certificate chains. The
// key pair is generated once and read-only afterwards, so the CA is safe
// for concurrent use.
type CertificateAuthority struct {
	key     *ecdsa.PrivateKey
	cert    *x509.Certificate
	certPEM []byte
}

// New generates a self-signed CA.
func New() (*CertificateAuthority, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate CA serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Pathwell Root CA",
			Organization: []string{"Pathwell"},
		},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-sign CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	return &CertificateAuthority{
		key:     key,
		cert:    cert,
		certPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
	}, nil
}

// Issue builds a leaf certificate for the agent and returns the chain as
// "<leaf PEM>\n<CA PEM>". The subject key is taken from the supplied PEM
// when it parses to a public key; otherwise a fresh key is generated. The
// registry persists the agent's public key independently, so the leaf is
// not the source of truth for it.
func (ca *CertificateAuthority) Issue(agentExternalID, publicKeyPEM string) (string, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", fmt.Errorf("generate leaf serial: %w", err)
	}

	subjectKey := parsePublicKey(publicKeyPEM)
	if subjectKey == nil {
		fresh, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return "", fmt.Errorf("generate subject key: %w", err)
		}
		subjectKey = &fresh.PublicKey
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   agentExternalID,
			Organization: []string{"Pathwell Agent"},
		},
		NotBefore:   now,
		NotAfter:    now.Add(leafValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, subjectKey, ca.key)
	if err != nil {
		return "", fmt.Errorf("sign leaf certificate: %w", err)
	}

	leafPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return string(leafPEM) + "\n" + string(ca.certPEM), nil
}

// Validate parses the first certificate in the chain and reports whether
// the current time falls inside its validity window. Parse failures are
// returned as errors, never hidden as "invalid".
func (ca *CertificateAuthority) Validate(chainPEM string) (bool, error) {
	block, _ := pem.Decode([]byte(chainPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return false, fmt.Errorf("no certificate found in chain")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false, fmt.Errorf("parse leaf certificate: %w", err)
	}
	now := time.Now()
	return !now.Before(leaf.NotBefore) && !now.After(leaf.NotAfter), nil
}

// CertificatePEM returns the CA certificate in PEM form.
func (ca *CertificateAuthority) CertificatePEM() string {
	return string(ca.certPEM)
}

// parsePublicKey accepts PKIX "PUBLIC KEY" PEM blocks for the key types the
// SDKs generate (ECDSA and RSA). Anything else yields nil.
func parsePublicKey(pemStr string) any {
	pemStr = strings.TrimSpace(pemStr)
	if pemStr == "" {
		return nil
	}
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil
	}
	return key
}
