// Package tlsidentity loads the server TLS identity.
package tlsidentity

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Fixed file names inside the certificate directory.
const (
	CertFileName = "ca_cert.pem"
	KeyFileName  = "ca_key.pem"
)

var (
	// ErrFileNotFound is returned when ca_cert.pem or ca_key.pem is missing.
	ErrFileNotFound = errors.New("tlsidentity: file not found")

	// ErrUnreadablePEM is returned when a file cannot be read or holds no usable PEM data.
	ErrUnreadablePEM = errors.New("tlsidentity: unreadable PEM")

	// ErrNoPrivateKey is returned when the key file holds no private key block.
	ErrNoPrivateKey = errors.New("tlsidentity: no private key found")
)

// Identity is a certificate chain plus the private key for its leaf.
//
// The pairing between Chain[0] and PrivateKey is not checked here;
// a mismatch surfaces on the first handshake.
type Identity struct {
	// Chain holds DER-encoded certificates, leaf first.
	Chain [][]byte

	// PrivateKey is one of *rsa.PrivateKey, *ecdsa.PrivateKey or ed25519.PrivateKey.
	PrivateKey crypto.PrivateKey

	CertFile string
	KeyFile  string
}

// Load reads ca_cert.pem and ca_key.pem from certDir.
func Load(certDir string) (*Identity, error) {
	certFile := filepath.Join(certDir, CertFileName)
	keyFile := filepath.Join(certDir, KeyFileName)

	chain, err := loadChain(certFile)
	if err != nil {
		return nil, err
	}

	key, err := loadKey(keyFile)
	if err != nil {
		return nil, err
	}

	return &Identity{
		Chain:      chain,
		PrivateKey: key,
		CertFile:   certFile,
		KeyFile:    keyFile,
	}, nil
}

// Leaf parses the leaf certificate.
func (id *Identity) Leaf() (*x509.Certificate, error) {
	if len(id.Chain) == 0 {
		return nil, ErrUnreadablePEM
	}
	return x509.ParseCertificate(id.Chain[0])
}

// Certificate assembles a tls.Certificate from the raw chain and key.
func (id *Identity) Certificate() tls.Certificate {
	cert := tls.Certificate{
		Certificate: id.Chain,
		PrivateKey:  id.PrivateKey,
	}
	if leaf, err := id.Leaf(); err == nil {
		cert.Leaf = leaf
	}
	return cert
}

func readPEMFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnreadablePEM, path, err)
	}
	return data, nil
}

func loadChain(path string) ([][]byte, error) {
	data, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}

	var chain [][]byte
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("%w: parse certificate in %s: %v", ErrUnreadablePEM, path, err)
		}
		chain = append(chain, block.Bytes)
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrUnreadablePEM, path)
	}
	return chain, nil
}

// loadKey returns the first private key block found in path.
func loadKey(path string) (crypto.PrivateKey, error) {
	data, err := readPEMFile(path)
	if err != nil {
		return nil, err
	}

	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}

		var key crypto.PrivateKey
		switch block.Type {
		case "PRIVATE KEY":
			key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		case "RSA PRIVATE KEY":
			key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		case "EC PRIVATE KEY":
			key, err = x509.ParseECPrivateKey(block.Bytes)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: parse %s in %s: %v", ErrUnreadablePEM, block.Type, path, err)
		}
		switch key.(type) {
		case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
			return key, nil
		default:
			return nil, fmt.Errorf("%w: unsupported key type %T in %s", ErrUnreadablePEM, key, path)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNoPrivateKey, path)
}
