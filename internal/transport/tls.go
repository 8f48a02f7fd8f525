package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"
)

// ALPNProtocol is advertised by QUIC listeners and dialers.
const ALPNProtocol = "kestrel/1"

const (
	ephemeralCertName     = "localhost"
	ephemeralCertValidity = 365 * 24 * time.Hour
	tlsHandshakeTimeout   = 10 * time.Second
)

// LoadCertificate reads a PEM certificate and key. With both paths empty
// an ephemeral self-signed certificate is generated instead.
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	switch {
	case certFile == "" && keyFile == "":
		certPEM, keyPEM, err := GenerateSelfSignedCert(ephemeralCertName, ephemeralCertValidity)
		if err != nil {
			return tls.Certificate{}, err
		}
		return tls.X509KeyPair(certPEM, keyPEM)
	case certFile == "" || keyFile == "":
		return tls.Certificate{}, errors.New("tls cert and key must be set together")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load tls certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint is the SHA-256 of the leaf certificate as colon separated hex.
func Fingerprint(cert tls.Certificate) string {
	if len(cert.Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(cert.Certificate[0])
	enc := strings.ToUpper(hex.EncodeToString(sum[:]))

	var b strings.Builder
	for i := 0; i < len(enc); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(enc[i : i+2])
	}
	return b.String()
}

// serverTLS loads the listener certificate and logs its fingerprint so
// operators can compare it with what a proxy in the path presents.
func (o Options) serverTLS(alpn ...string) (*tls.Config, error) {
	cert, err := LoadCertificate(o.CertFile, o.KeyFile)
	if err != nil {
		return nil, err
	}
	source := o.CertFile
	if source == "" {
		source = "ephemeral"
	}
	o.logger().Info("tls certificate loaded", "source", source, "fingerprint", Fingerprint(cert))

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   alpn,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig returns the dial-side config. Server certificates are
// never verified: peers authenticate through the Noise handshake.
func ClientTLSConfig(serverName string, alpn ...string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		NextProtos:         alpn,
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS12,
	}
}

// GenerateSelfSignedCert returns a PEM-encoded ECDSA P-256 certificate and
// key for commonName. The wizard persists one for ws and quic listeners.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		DNSNames:              []string{commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// handshakeClient wraps conn in TLS for ep, closing conn on failure.
func handshakeClient(ctx context.Context, conn net.Conn, ep Endpoint) (net.Conn, error) {
	tc := tls.Client(conn, ClientTLSConfig(ep.Host))
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

// handshakeServer completes a server handshake on an accepted conn.
func handshakeServer(cfg *tls.Config, c net.Conn) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tlsHandshakeTimeout)
	defer cancel()
	tc := tls.Server(c, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}
