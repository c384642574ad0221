package host

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// ServerName is the name host certificates are issued for. Clients dial the
// host's address but verify the certificate against this name.
const ServerName = "capproxy"

// Certs contains the TLS client and server certs and keys for configuring mTLS on the client and server.
// This contains the secrets necessary for authz, so handle carefully.
type Certs struct {
	Server Cert
	Client Cert
	CA     CACert
}

// TLSFiles names the PEM files of one side of an mTLS pair.
type TLSFiles struct {
	CACert string `yaml:"ca_cert"`
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
}

func (f TLSFiles) Enabled() bool {
	return f.CACert != "" || f.Cert != "" || f.Key != ""
}

func (f TLSFiles) read() (caCertPEM, certPEM, keyPEM []byte, err error) {
	if caCertPEM, err = os.ReadFile(f.CACert); err != nil {
		return nil, nil, nil, fmt.Errorf("reading CA cert: %w", err)
	}
	if certPEM, err = os.ReadFile(f.Cert); err != nil {
		return nil, nil, nil, fmt.Errorf("reading cert: %w", err)
	}
	if keyPEM, err = os.ReadFile(f.Key); err != nil {
		return nil, nil, nil, fmt.Errorf("reading key: %w", err)
	}
	return caCertPEM, certPEM, keyPEM, nil
}

// ServerConfig loads the files as a server TLS config.
func (f TLSFiles) ServerConfig() (*tls.Config, error) {
	ca, cert, key, err := f.read()
	if err != nil {
		return nil, err
	}
	return ServerTLSConfig(ca, cert, key)
}

// ClientConfig loads the files as a client TLS config.
func (f TLSFiles) ClientConfig() (*tls.Config, error) {
	ca, cert, key, err := f.read()
	if err != nil {
		return nil, err
	}
	return ClientTLSConfig(ca, cert, key)
}

func ClientTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing client key pair: %w", err)
	}
	cfg := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		ServerName:   ServerName,
	}
	return cfg, nil
}

func ServerTLSConfig(caCertPEM []byte, certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no CA certificates found")
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}

	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{cert},
	}

	return cfg, nil
}

type CACert struct {
	CertPEMBytes []byte
	KeyPEMBytes  []byte
	x509Cert     *x509.Certificate
	privKey      *rsa.PrivateKey
}

func serialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func buildCACert(subject pkix.Name, validFor time.Duration) (CACert, error) {
	serial, err := serialNumber()
	if err != nil {
		return CACert{}, err
	}

	caCert := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return CACert{}, fmt.Errorf("generating CA private key: %w", err)
	}

	caBytes, err := x509.CreateCertificate(rand.Reader, caCert, caCert, &caKey.PublicKey, caKey)
	if err != nil {
		return CACert{}, fmt.Errorf("creating x509 cert: %w", err)
	}

	caPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: caBytes,
	})
	if caPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA cert")
	}

	caKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(caKey),
	})
	if caKeyPEMBytes == nil {
		return CACert{}, errors.New("unable to encode CA private key")
	}

	return CACert{
		CertPEMBytes: caPEMBytes,
		KeyPEMBytes:  caKeyPEMBytes,
		x509Cert:     caCert,
		privKey:      caKey,
	}, nil
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertDER      []byte
	CertPEMBytes []byte
	KeyPEMBytes  []byte
}

// buildCert issues a leaf cert for ServerName plus hosts, which may be IPs or DNS names.
func buildCert(ca CACert, subject pkix.Name, hosts []string, validFor time.Duration) (*Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}
	c := x509.Certificate{
		SerialNumber: serial,
		Subject:      subject,
		DNSNames:     []string{ServerName},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			c.IPAddresses = append(c.IPAddresses, ip)
		} else if h != "" && h != ServerName {
			c.DNSNames = append(c.DNSNames, h)
		}
	}

	certKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &c, ca.x509Cert, &certKey.PublicKey, ca.privKey)
	if err != nil {
		return nil, fmt.Errorf("creating cert: %w", err)
	}

	certPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})
	if certPEMBytes == nil {
		return nil, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(certKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	certKeyPEMBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	})

	return &Cert{
		X509Cert:     &c,
		CertDER:      certDER,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  certKeyPEMBytes,
	}, nil
}

// GenerateCerts generates a CA and a server and client cert signed by it, valid for a week.
// The server cert is also valid for the given hosts.
func GenerateCerts(hosts ...string) (*Certs, error) {
	const validFor = 7 * 24 * time.Hour

	ca, err := buildCACert(pkix.Name{CommonName: "CapproxyCA"}, validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}

	serverCert, err := buildCert(ca, pkix.Name{CommonName: ServerName}, hosts, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}

	clientCert, err := buildCert(ca, pkix.Name{CommonName: ServerName + "-client"}, nil, validFor)
	if err != nil {
		return nil, fmt.Errorf("building client cert: %w", err)
	}

	return &Certs{
		Server: *serverCert,
		Client: *clientCert,
		CA:     ca,
	}, nil
}

// ServerFiles and ClientFiles are the file names WriteFiles uses in a directory.
var (
	ServerFiles = TLSFiles{CACert: "ca.pem", Cert: "server.pem", Key: "server-key.pem"}
	ClientFiles = TLSFiles{CACert: "ca.pem", Cert: "client.pem", Key: "client-key.pem"}
)

// WriteFiles writes the certs to dir and returns the server and client file sets.
func (c *Certs) WriteFiles(dir string) (server TLSFiles, client TLSFiles, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return server, client, fmt.Errorf("creating %s: %w", dir, err)
	}
	in := func(f TLSFiles) TLSFiles {
		return TLSFiles{
			CACert: filepath.Join(dir, f.CACert),
			Cert:   filepath.Join(dir, f.Cert),
			Key:    filepath.Join(dir, f.Key),
		}
	}
	server, client = in(ServerFiles), in(ClientFiles)
	files := map[string][]byte{
		server.CACert: c.CA.CertPEMBytes,
		server.Cert:   c.Server.CertPEMBytes,
		server.Key:    c.Server.KeyPEMBytes,
		client.Cert:   c.Client.CertPEMBytes,
		client.Key:    c.Client.KeyPEMBytes,
	}
	for name, b := range files {
		if err := os.WriteFile(name, b, 0o600); err != nil {
			return server, client, fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return server, client, nil
}
