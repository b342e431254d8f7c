// Copyright 2026 The HDDL Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

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
	"testing"
	"time"
)

// PKI holds PEM file paths for a throwaway certificate authority, a
// server certificate valid for localhost and 127.0.0.1, and a client
// certificate signed by the same CA.
type PKI struct {
	CAFile         string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string

	// Stranger is a client certificate signed by an unrelated CA.
	StrangerCertFile string
	StrangerKeyFile  string
}

// NewPKI writes a fresh PKI into a temporary directory.
func NewPKI(t *testing.T) PKI {
	t.Helper()
	directory := t.TempDir()

	caKey, caCert := newAuthority(t, "hddl test ca")
	strangerKey, strangerCA := newAuthority(t, "unrelated ca")

	pki := PKI{
		CAFile:           filepath.Join(directory, "ca-cert.pem"),
		ServerCertFile:   filepath.Join(directory, "server-cert.pem"),
		ServerKeyFile:    filepath.Join(directory, "server-key.pem"),
		ClientCertFile:   filepath.Join(directory, "client-cert.pem"),
		ClientKeyFile:    filepath.Join(directory, "client-key.pem"),
		StrangerCertFile: filepath.Join(directory, "stranger-cert.pem"),
		StrangerKeyFile:  filepath.Join(directory, "stranger-key.pem"),
	}
	writePEM(t, pki.CAFile, "CERTIFICATE", caCert.Raw)

	server := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "hddl-server"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	issue(t, server, caCert, caKey, pki.ServerCertFile, pki.ServerKeyFile)

	client := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "hddl-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	issue(t, client, caCert, caKey, pki.ClientCertFile, pki.ClientKeyFile)

	stranger := *client
	stranger.SerialNumber = big.NewInt(4)
	stranger.Subject = pkix.Name{CommonName: "stranger"}
	issue(t, &stranger, strangerCA, strangerKey, pki.StrangerCertFile, pki.StrangerKeyFile)

	return pki
}

func newAuthority(t *testing.T, name string) (*ecdsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parsing CA certificate: %v", err)
	}
	return key, certificate
}

func issue(t *testing.T, template, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("creating certificate %s: %v", template.Subject.CommonName, err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	writePEM(t, certFile, "CERTIFICATE", der)
	writePEM(t, keyFile, "EC PRIVATE KEY", keyDER)
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}
