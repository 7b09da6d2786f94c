// Package security manages the node's self-signed certificate and
// fingerprint pinning on the joining side.
package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	certFile = "node.crt"
	keyFile  = "node.key"
	validFor = 10 * 365 * 24 * time.Hour
)

var (
	ErrFingerprintMismatch = errors.New("certificate fingerprint mismatch")
	ErrBadFingerprint      = errors.New("fingerprint must be 32 hex-encoded bytes")
	ErrNoCertificate       = errors.New("server presented no certificate")
)

// Fingerprint is the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips separators and lowercases.
func NormalizeFingerprint(fp string) (string, error) {
	fp = strings.ToLower(strings.NewReplacer(":", "", " ", "").Replace(strings.TrimSpace(fp)))
	b, err := hex.DecodeString(fp)
	if err != nil || len(b) != sha256.Size {
		return "", ErrBadFingerprint
	}
	return fp, nil
}

func MatchFingerprint(pinned, presented string) error {
	a, err := NormalizeFingerprint(pinned)
	if err != nil {
		return err
	}
	b, err := NormalizeFingerprint(presented)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFingerprintMismatch, err)
	}
	if subtle.ConstantTimeCompare([]byte(a), []byte(b)) != 1 {
		return ErrFingerprintMismatch
	}
	return nil
}

// Generate creates a fresh ECDSA P-256 self-signed certificate.
func Generate(hosts ...string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("serial: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "voicemesh node"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	tmpl.DNSNames = append(tmpl.DNSNames, "localhost")
	for _, h := range hosts {
		if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("create certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// LoadOrGenerate reads the certificate pair from dir, creating it on first run.
func LoadOrGenerate(dir string, hosts ...string) (tls.Certificate, string, error) {
	crtPath, keyPath := filepath.Join(dir, certFile), filepath.Join(dir, keyFile)
	if cert, err := tls.LoadX509KeyPair(crtPath, keyPath); err == nil {
		fp := Fingerprint(cert.Certificate[0])
		log.Info().Str("module", "security").Str("cert", crtPath).Str("fingerprint", fp).Msg("loaded certificate")
		return cert, fp, nil
	}

	cert, err := Generate(hosts...)
	if err != nil {
		return tls.Certificate{}, "", err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return tls.Certificate{}, "", fmt.Errorf("cert dir: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	if err != nil {
		return tls.Certificate{}, "", fmt.Errorf("marshal key: %w", err)
	}
	if err := writePEM(crtPath, "CERTIFICATE", cert.Certificate[0], 0o644); err != nil {
		return tls.Certificate{}, "", err
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0o600); err != nil {
		return tls.Certificate{}, "", err
	}
	fp := Fingerprint(cert.Certificate[0])
	log.Info().Str("module", "security").Str("cert", crtPath).Str("fingerprint", fp).Msg("generated certificate")
	return cert, fp, nil
}

func writePEM(path, typ string, der []byte, mode os.FileMode) error {
	b := pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der})
	if err := os.WriteFile(path, b, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// PinnedClientConfig accepts only a leaf certificate whose fingerprint equals pinned.
// Chain verification is replaced by the pin.
func PinnedClientConfig(pinned string) (*tls.Config, error) {
	fp, err := NormalizeFingerprint(pinned)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, //nolint:gosec // verified by pin below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return ErrNoCertificate
			}
			return MatchFingerprint(fp, Fingerprint(rawCerts[0]))
		},
	}, nil
}
