// Package tlstest mints throwaway certificates for transport tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// Authority is a test CA. Every node certificate it issues is valid for
// both ends of a link on localhost.
type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	caFile string
	serial atomic.Int64
}

func NewAuthority(t testing.TB, dir string, name string) *Authority {
	t.Helper()
	key := newKey(t)
	tmpl := baseTemplate(1, name)
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	tmpl.BasicConstraintsValid = true
	tmpl.IsCA = true
	tmpl.MaxPathLen = 1

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("tlstest: self-sign ca: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("tlstest: parse ca: %v", err)
	}
	a := &Authority{cert: cert, key: key, caFile: filepath.Join(dir, "ca.crt")}
	a.serial.Store(1)
	writePEM(t, a.caFile, "CERTIFICATE", der, 0o644)
	return a
}

func (a *Authority) CAFile() string {
	return a.caFile
}

// IssuePeerCert issues a cert whose common name is party and returns the
// cert and key paths.
func (a *Authority) IssuePeerCert(t testing.TB, dir string, party string) (string, string) {
	t.Helper()
	key := newKey(t)
	tmpl := baseTemplate(a.serial.Add(1), party)
	tmpl.KeyUsage = x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	tmpl.DNSNames = []string{"localhost"}
	tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("tlstest: sign %q: %v", party, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("tlstest: marshal key: %v", err)
	}
	base := filepath.Join(dir, fileName(party))
	writePEM(t, base+".crt", "CERTIFICATE", der, 0o644)
	writePEM(t, base+".key", "EC PRIVATE KEY", keyDER, 0o600)
	return base + ".crt", base + ".key"
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("tlstest: generate key: %v", err)
	}
	return key
}

func baseTemplate(serial int64, name string) *x509.Certificate {
	now := time.Now()
	return &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
	}
}

func writePEM(t testing.TB, path, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("tlstest: write %s: %v", path, err)
	}
}

// fileName turns a party name such as "O=Bob, L=Paris" into a safe file stem.
func fileName(party string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(party) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "peer"
	}
	return b.String()
}
