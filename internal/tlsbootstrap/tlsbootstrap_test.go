package tlsbootstrap

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/dstutor/kernelhub/internal/tlsconfig"
)

func decodeCert(t *testing.T, certPEM []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(certPEM)
	if block == nil {
		t.Fatal("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return decodeCert(t, data)
}

func TestGenerateCAIdentity(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	cert := decodeCert(t, ca.CertPEM)
	if cert.Subject.CommonName != "kernelhub-ca" {
		t.Errorf("CA CommonName = %q, want %q", cert.Subject.CommonName, "kernelhub-ca")
	}
	if !cert.IsCA {
		t.Error("CA certificate is not marked IsCA")
	}
	if cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		t.Error("CA certificate cannot sign certificates")
	}
	if !cert.MaxPathLenZero {
		t.Error("CA should not permit intermediate CAs")
	}

	keyBlock, _ := pem.Decode(ca.KeyPEM)
	if keyBlock == nil {
		t.Fatal("no PEM block in CA key")
	}
	if _, err := x509.ParseECPrivateKey(keyBlock.Bytes); err != nil {
		t.Fatalf("CA key does not parse as EC private key: %v", err)
	}
}

func TestIssueCertSANs(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	cases := []struct {
		name    string
		cn      string
		sans    []string
		wantDNS []string
		wantIPs []string
	}{
		{
			name:    "mixed dns and ip sans",
			cn:      "kernelhub-server",
			sans:    []string{"localhost", "127.0.0.1", "::1"},
			wantDNS: []string{"localhost"},
			wantIPs: []string{"127.0.0.1", "::1"},
		},
		{
			name:    "dns common name becomes dns san",
			cn:      "kernelhub-client",
			sans:    nil,
			wantDNS: []string{"kernelhub-client"},
		},
		{
			name:    "ip common name becomes ip san",
			cn:      "10.0.0.5",
			sans:    nil,
			wantIPs: []string{"10.0.0.5"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			leaf, err := IssueCert(ca.CertPEM, ca.KeyPEM, tc.cn, tc.sans)
			if err != nil {
				t.Fatalf("IssueCert: %v", err)
			}
			cert := decodeCert(t, leaf.CertPEM)
			if cert.Subject.CommonName != tc.cn {
				t.Errorf("CommonName = %q, want %q", cert.Subject.CommonName, tc.cn)
			}
			if got, want := len(cert.DNSNames), len(tc.wantDNS); got != want {
				t.Fatalf("DNSNames = %v, want %v", cert.DNSNames, tc.wantDNS)
			}
			for i, dns := range tc.wantDNS {
				if cert.DNSNames[i] != dns {
					t.Errorf("DNSNames[%d] = %q, want %q", i, cert.DNSNames[i], dns)
				}
			}
			if got, want := len(cert.IPAddresses), len(tc.wantIPs); got != want {
				t.Fatalf("IPAddresses = %v, want %v", cert.IPAddresses, tc.wantIPs)
			}
			for i, ip := range tc.wantIPs {
				if !cert.IPAddresses[i].Equal(net.ParseIP(ip)) {
					t.Errorf("IPAddresses[%d] = %v, want %v", i, cert.IPAddresses[i], ip)
				}
			}
		})
	}
}

func TestIssueCertChainsToIssuingCA(t *testing.T) {
	t.Parallel()

	ca, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	leaf, err := IssueCert(ca.CertPEM, ca.KeyPEM, "kernelhub-server", []string{"localhost"})
	if err != nil {
		t.Fatalf("IssueCert: %v", err)
	}
	cert := decodeCert(t, leaf.CertPEM)

	// Leaf certs carry both EKUs so the same CA can vouch for the daemon
	// and for clients connecting to it.
	hasServer, hasClient := false, false
	for _, eku := range cert.ExtKeyUsage {
		switch eku {
		case x509.ExtKeyUsageServerAuth:
			hasServer = true
		case x509.ExtKeyUsageClientAuth:
			hasClient = true
		}
	}
	if !hasServer || !hasClient {
		t.Errorf("ExtKeyUsage = %v, want server and client auth", cert.ExtKeyUsage)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.CertPEM) {
		t.Fatal("CA PEM did not parse into pool")
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"}); err != nil {
		t.Errorf("leaf does not verify against issuing CA: %v", err)
	}

	otherCA, err := GenerateCA()
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	otherPool := x509.NewCertPool()
	if !otherPool.AppendCertsFromPEM(otherCA.CertPEM) {
		t.Fatal("other CA PEM did not parse into pool")
	}
	if _, err := cert.Verify(x509.VerifyOptions{Roots: otherPool, DNSName: "localhost"}); err == nil {
		t.Error("leaf verified against an unrelated CA")
	}
}

func TestInitWritesHubIdentities(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	wantCN := map[string]string{
		"ca.pem":     "kernelhub-ca",
		"server.pem": "kernelhub-server",
		"client.pem": "kernelhub-client",
	}
	for file, cn := range wantCN {
		cert := readCert(t, filepath.Join(dir, file))
		if cert.Subject.CommonName != cn {
			t.Errorf("%s CommonName = %q, want %q", file, cert.Subject.CommonName, cn)
		}
	}

	server := readCert(t, filepath.Join(dir, "server.pem"))
	if len(server.DNSNames) != 1 || server.DNSNames[0] != "localhost" {
		t.Errorf("server DNSNames = %v, want [localhost]", server.DNSNames)
	}
	if len(server.IPAddresses) != 2 {
		t.Errorf("server IPAddresses = %v, want loopback v4 and v6", server.IPAddresses)
	}

	for _, keyFile := range []string{"ca.key", "server.key", "client.key"} {
		info, err := os.Stat(filepath.Join(dir, keyFile))
		if err != nil {
			t.Fatalf("stat %s: %v", keyFile, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s mode = %o, want 0600", keyFile, perm)
		}
	}
}

func TestInitRefusesOverwriteWithoutForce(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	before := readCert(t, filepath.Join(dir, "ca.pem"))

	if err := Init(dir, false); err == nil {
		t.Fatal("second Init without force should fail")
	}

	if err := Init(dir, true); err != nil {
		t.Fatalf("Init with force: %v", err)
	}
	after := readCert(t, filepath.Join(dir, "ca.pem"))
	if before.SerialNumber.Cmp(after.SerialNumber) == 0 {
		t.Error("force Init did not regenerate the CA")
	}
}

// The generated material must be directly usable by the daemon and client TLS
// resolution paths, so a full handshake is the real acceptance check.
func TestInitMaterialResolvesAndHandshakes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}

	serverCfg, err := tlsconfig.ResolveServer(tlsconfig.Options{
		CertPath: filepath.Join(dir, "server.pem"),
		KeyPath:  filepath.Join(dir, "server.key"),
	})
	if err != nil {
		t.Fatalf("ResolveServer: %v", err)
	}
	if serverCfg == nil || len(serverCfg.Certificates) != 1 {
		t.Fatal("ResolveServer did not load the generated server certificate")
	}

	clientCfg, err := tlsconfig.ResolveClient(tlsconfig.Options{
		CAPath: filepath.Join(dir, "ca.pem"),
	})
	if err != nil {
		t.Fatalf("ResolveClient: %v", err)
	}
	if clientCfg == nil || clientCfg.RootCAs == nil {
		t.Fatal("ResolveClient did not trust the generated CA")
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverCfg)
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	defer ln.Close()

	srvErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			srvErr <- err
			return
		}
		defer conn.Close()
		srvErr <- conn.(*tls.Conn).Handshake()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), clientCfg)
	if err != nil {
		t.Fatalf("tls dial with generated CA trust: %v", err)
	}
	defer conn.Close()
	if err := <-srvErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	state := conn.ConnectionState()
	if state.PeerCertificates[0].Subject.CommonName != "kernelhub-server" {
		t.Errorf("peer CommonName = %q, want %q",
			state.PeerCertificates[0].Subject.CommonName, "kernelhub-server")
	}
}
