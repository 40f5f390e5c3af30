// Package pki bootstraps the self-signed certificate authority and server
// certificate used by the TLS session listener (§6), and signs short-lived
// client certificates (CA.ClientCertPEM). No session request exposes that
// signing to clients.
//
// Grounded in original_source/src/server/listener/ossl.rs's
// generate-CA-on-first-run behavior: the CA and server cert are created once
// and persisted under a user-owned, strict-permission directory, then reused
// across daemon restarts.
package pki

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	caCertFile     = "ca.pem"
	caKeyFile      = "ca-key.pem"
	serverCertFile = "server.pem"
	serverKeyFile  = "server-key.pem"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 825 * 24 * time.Hour
	clientValidity = 24 * time.Hour
)

// ErrInsecureDirectory is returned when the pki directory is writable by
// anyone other than its owner.
var ErrInsecureDirectory = errors.New("pki: directory is group- or world-writable")

// CA is the loaded-or-generated certificate authority plus the server
// identity it issued for this daemon.
type CA struct {
	dir string

	caCert *x509.Certificate
	caKey  ed25519.PrivateKey

	ServerCert tls.Certificate
}

// Bootstrap loads the CA and server certificate from dir, generating both
// (and dir itself, mode 0700) on first run. On non-Windows platforms, an
// existing directory that is group- or world-writable is refused — WSL's
// permission model makes this check unreliable there, so it is skipped.
func Bootstrap(dir string) (*CA, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}

	caCertPath := filepath.Join(dir, caCertFile)
	caKeyPath := filepath.Join(dir, caKeyFile)
	serverCertPath := filepath.Join(dir, serverCertFile)
	serverKeyPath := filepath.Join(dir, serverKeyFile)

	if fileExists(caCertPath) && fileExists(caKeyPath) && fileExists(serverCertPath) && fileExists(serverKeyPath) {
		return load(dir, caCertPath, caKeyPath, serverCertPath, serverKeyPath)
	}
	return generate(dir, caCertPath, caKeyPath, serverCertPath, serverKeyPath)
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return os.MkdirAll(dir, 0o700)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("pki: %q exists and is not a directory", dir)
	}
	if runtime.GOOS != "windows" && !isWSL() {
		if info.Mode().Perm()&0o022 != 0 {
			return fmt.Errorf("%w: %q", ErrInsecureDirectory, dir)
		}
	}
	return nil
}

func isWSL() bool {
	if _, err := os.Stat("/proc/sys/kernel/osrelease"); err != nil {
		return false
	}
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return false
	}
	s := string(data)
	return contains(s, "microsoft") || contains(s, "WSL")
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := 0; j < len(needle); j++ {
			a, b := haystack[i+j], needle[j]
			if a >= 'A' && a <= 'Z' {
				a += 'a' - 'A'
			}
			if b >= 'A' && b <= 'Z' {
				b += 'a' - 'A'
			}
			if a != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func generate(dir, caCertPath, caKeyPath, serverCertPath, serverKeyPath string) (*CA, error) {
	caPub, caPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generate CA key: %w", err)
	}
	caSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          caSerial,
		Subject:               pkix.Name{CommonName: "wxmux internal CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, caPub, caPriv)
	if err != nil {
		return nil, fmt.Errorf("pki: create CA certificate: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("pki: parse generated CA certificate: %w", err)
	}

	serverPub, serverPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generate server key: %w", err)
	}
	serverSerial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	serverTemplate := &x509.Certificate{
		SerialNumber: serverSerial,
		Subject:      pkix.Name{CommonName: "wxmuxd"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(serverValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, serverPub, caPriv)
	if err != nil {
		return nil, fmt.Errorf("pki: create server certificate: %w", err)
	}

	if err := writePEM(caCertPath, "CERTIFICATE", caDER); err != nil {
		return nil, err
	}
	if err := writeKeyPEM(caKeyPath, caPriv); err != nil {
		return nil, err
	}
	if err := writePEM(serverCertPath, "CERTIFICATE", serverDER); err != nil {
		return nil, err
	}
	if err := writeKeyPEM(serverKeyPath, serverPriv); err != nil {
		return nil, err
	}

	serverTLSCert, err := tls.X509KeyPair(pemEncode("CERTIFICATE", serverDER), pemEncodeKey(serverPriv))
	if err != nil {
		return nil, fmt.Errorf("pki: load generated server certificate: %w", err)
	}

	return &CA{dir: dir, caCert: caCert, caKey: caPriv, ServerCert: serverTLSCert}, nil
}

func load(dir, caCertPath, caKeyPath, serverCertPath, serverKeyPath string) (*CA, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}
	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, err
	}
	serverCertPEM, err := os.ReadFile(serverCertPath)
	if err != nil {
		return nil, err
	}
	serverKeyPEM, err := os.ReadFile(serverKeyPath)
	if err != nil {
		return nil, err
	}

	caBlock, _ := pem.Decode(caCertPEM)
	if caBlock == nil {
		return nil, fmt.Errorf("pki: %q is not valid PEM", caCertPath)
	}
	caCert, err := x509.ParseCertificate(caBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA certificate: %w", err)
	}

	caKeyBlock, _ := pem.Decode(caKeyPEM)
	if caKeyBlock == nil {
		return nil, fmt.Errorf("pki: %q is not valid PEM", caKeyPath)
	}
	caKeyAny, err := x509.ParsePKCS8PrivateKey(caKeyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pki: parse CA key: %w", err)
	}
	caKey, ok := caKeyAny.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("pki: CA key is not ed25519")
	}

	serverTLSCert, err := tls.X509KeyPair(serverCertPEM, serverKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("pki: load server certificate: %w", err)
	}

	return &CA{dir: dir, caCert: caCert, caKey: caKey, ServerCert: serverTLSCert}, nil
}

// ClientCertPEM signs a fresh, short-lived client certificate for username,
// carried unchanged as the certificate CN, which the server records as the
// connection's username. It returns the concatenated cert+key PEM.
func (c *CA) ClientCertPEM(username string) ([]byte, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("pki: generate client key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: username},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(clientValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, c.caCert, pub, c.caKey)
	if err != nil {
		return nil, fmt.Errorf("pki: sign client certificate: %w", err)
	}
	out := pemEncode("CERTIFICATE", der)
	out = append(out, pemEncodeKey(priv)...)
	return out, nil
}

// ServerTLSConfig returns a tls.Config requiring and verifying a client
// certificate chained to this CA, suitable for the TLS session listener.
func (c *CA) ServerTLSConfig() *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(c.caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{c.ServerCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}
}

// CACertPEM returns the CA certificate in PEM form, written to ca.pem for
// clients to pin.
func (c *CA) CACertPEM() []byte {
	return pemEncode("CERTIFICATE", c.caCert.Raw)
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func writePEM(path, blockType string, der []byte) error {
	return os.WriteFile(path, pemEncode(blockType, der), 0o600)
}

func writeKeyPEM(path string, key ed25519.PrivateKey) error {
	return os.WriteFile(path, pemEncodeKey(key), 0o600)
}

func pemEncode(blockType string, der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

func pemEncodeKey(key ed25519.PrivateKey) []byte {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		// ed25519 keys always marshal; a failure here indicates a corrupt
		// key value, which can only come from a programming error.
		panic(fmt.Sprintf("pki: marshal private key: %v", err))
	}
	return pemEncode("PRIVATE KEY", der)
}
