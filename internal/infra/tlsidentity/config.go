// Package tlsidentity loads the server TLS identity.
package tlsidentity

import (
	"crypto/tls"
	"strings"
	"time"
)

// ALPN protocol identifiers.
const (
	ProtoHTTP2  = "h2"
	ProtoHTTP11 = "http/1.1"
)

// ServerConfig builds the shared server-side TLS configuration.
// Client certificates are never requested.
func ServerConfig(id *Identity, http2 bool) *tls.Config {
	protos := []string{ProtoHTTP11}
	if http2 {
		protos = []string{ProtoHTTP2, ProtoHTTP11}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate()},
		ClientAuth:   tls.NoClientCert,
		MinVersion:   tls.VersionTLS12,
		NextProtos:   protos,
	}
}

// Summary describes the leaf certificate for startup logging.
type Summary struct {
	Subject  string
	Issuer   string
	NotAfter time.Time
	DNSNames []string
	IPs      []string
	ChainLen int
}

// Describe summarizes id. Fields stay empty if the leaf cannot be parsed.
func Describe(id *Identity) Summary {
	s := Summary{ChainLen: len(id.Chain)}
	leaf, err := id.Leaf()
	if err != nil {
		return s
	}
	s.Subject = leaf.Subject.String()
	s.Issuer = leaf.Issuer.String()
	s.NotAfter = leaf.NotAfter
	s.DNSNames = leaf.DNSNames
	for _, ip := range leaf.IPAddresses {
		s.IPs = append(s.IPs, ip.String())
	}
	return s
}

// LogArgs flattens the summary into slog key/value pairs.
func (s Summary) LogArgs() []any {
	return []any{
		"subject", s.Subject,
		"issuer", s.Issuer,
		"not_after", s.NotAfter.Format(time.RFC3339),
		"dns_names", strings.Join(s.DNSNames, ","),
		"ips", strings.Join(s.IPs, ","),
		"chain_len", s.ChainLen,
	}
}
