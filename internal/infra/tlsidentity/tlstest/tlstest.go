// Package tlstest generates throwaway certificate directories for tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// Generate returns a self-signed CA certificate valid for localhost and
// loopback addresses, PEM-encoded together with its PKCS#8 key.
func Generate(t testing.TB) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "fwserve test CA", Organization: []string{"fwserve"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

// WriteDir writes a fresh ca_cert.pem / ca_key.pem pair into a new temp
// directory and returns the directory plus a pool trusting the certificate.
func WriteDir(t testing.TB) (string, *x509.CertPool) {
	t.Helper()

	certPEM, keyPEM := Generate(t)
	dir := t.TempDir()
	WriteFiles(t, dir, certPEM, keyPEM)

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("AppendCertsFromPEM() failed")
	}
	return dir, pool
}

// WriteFiles writes the given PEM blocks under the fixed file names.
func WriteFiles(t testing.TB, dir string, certPEM, keyPEM []byte) {
	t.Helper()
	if certPEM != nil {
		if err := os.WriteFile(filepath.Join(dir, "ca_cert.pem"), certPEM, 0o644); err != nil {
			t.Fatalf("write cert: %v", err)
		}
	}
	if keyPEM != nil {
		if err := os.WriteFile(filepath.Join(dir, "ca_key.pem"), keyPEM, 0o600); err != nil {
			t.Fatalf("write key: %v", err)
		}
	}
}

// ClientConfig returns a client TLS config trusting pool.
func ClientConfig(pool *x509.CertPool, nextProtos ...string) *tls.Config {
	return &tls.Config{
		RootCAs:    pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
		NextProtos: nextProtos,
	}
}
