package trust

import (
	"bytes"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCertMismatch reports a presented certificate that differs from the
// pinned one. The client surfaces this loudly; it is either a server
// re-key or an interception attempt.
var ErrCertMismatch = errors.New("trust: server certificate does not match the pinned certificate")

// PromptFunc asks the user whether to trust a new server certificate.
// fingerprint is the SHA-256 of the DER bytes, hex with colons.
type PromptFunc func(host, port, fingerprint string) (bool, error)

// Store pins server certificates per endpoint under dir, one PEM file per
// host_port.
type Store struct {
	dir    string
	prompt PromptFunc
}

// NewStore opens (creating if needed) a pin store rooted at dir.
func NewStore(dir string, prompt PromptFunc) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("trust: create pin store: %w", err)
	}
	return &Store{dir: dir, prompt: prompt}, nil
}

// pinPath keeps one file per endpoint; colons in IPv6 hosts are flattened.
func (s *Store) pinPath(host, port string) string {
	safe := strings.ReplaceAll(host, ":", "-")
	return filepath.Join(s.dir, safe+"_"+port+".pem")
}

// Fingerprint renders a certificate's SHA-256 in the conventional
// colon-separated form.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	hexStr := hex.EncodeToString(sum[:])
	var b strings.Builder
	for i := 0; i < len(hexStr); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(hexStr[i : i+2])
	}
	return b.String()
}

// Pinned returns the pinned certificate for an endpoint, or nil when the
// endpoint has never been trusted.
func (s *Store) Pinned(host, port string) (*x509.Certificate, error) {
	data, err := os.ReadFile(s.pinPath(host, port))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("trust: read pin: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("trust: pin file %s is not PEM", s.pinPath(host, port))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("trust: parse pinned certificate: %w", err)
	}
	return cert, nil
}

// Pin stores a certificate for an endpoint (0600).
func (s *Store) Pin(host, port string, cert *x509.Certificate) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
	if err := os.WriteFile(s.pinPath(host, port), data, 0o600); err != nil {
		return fmt.Errorf("trust: write pin: %w", err)
	}
	return nil
}

// Forget drops the pin for an endpoint.
func (s *Store) Forget(host, port string) error {
	err := os.Remove(s.pinPath(host, port))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("trust: remove pin: %w", err)
	}
	return nil
}

// Verify implements trust-on-first-use for one presented leaf certificate:
// a pinned match passes, a pinned mismatch fails with ErrCertMismatch, and
// an unpinned endpoint defers to the prompt, pinning on acceptance.
func (s *Store) Verify(host, port string, presented *x509.Certificate) error {
	pinned, err := s.Pinned(host, port)
	if err != nil {
		return err
	}
	if pinned != nil {
		if bytes.Equal(pinned.Raw, presented.Raw) {
			return nil
		}
		return fmt.Errorf("%w (%s:%s)", ErrCertMismatch, host, port)
	}

	if s.prompt == nil {
		return fmt.Errorf("trust: %s:%s is not trusted and no prompt is available", host, port)
	}
	ok, err := s.prompt(host, port, Fingerprint(presented.Raw))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("trust: user declined certificate for %s:%s", host, port)
	}
	return s.Pin(host, port, presented)
}

// TLSConfig returns a client TLS config that accepts any chain the server
// presents and then applies TOFU verification to the leaf.
func (s *Store) TLSConfig(host, port string) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("trust: server presented no certificate")
			}
			leaf, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("trust: parse presented certificate: %w", err)
			}
			return s.Verify(host, port, leaf)
		},
	}
}
