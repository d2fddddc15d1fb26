package session

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// LoadTLSConfig builds a client TLS configuration trusting the certificates
// in the truststore at path. Relative paths are resolved against baseDir.
// An empty path yields a nil configuration, meaning system roots.
//
// Files ending in .p12 or .pfx are read as password-less PKCS#12 stores;
// anything else is read as a PEM bundle.
func LoadTLSConfig(path, baseDir string) (*tls.Config, error) {
	if path == "" {
		return nil, nil
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read truststore: %w", err)
	}

	pool := x509.NewCertPool()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		if err := addPKCS12(pool, data); err != nil {
			return nil, fmt.Errorf("truststore %s: %w", path, err)
		}
	default:
		if !pool.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("truststore %s: no PEM certificates found", path)
		}
	}

	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

func addPKCS12(pool *x509.CertPool, data []byte) error {
	blocks, err := pkcs12.ToPEM(data, "")
	if err != nil {
		return fmt.Errorf("decode PKCS#12: %w", err)
	}

	added := 0
	for _, block := range blocks {
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return fmt.Errorf("no certificates in PKCS#12 store")
	}
	return nil
}
