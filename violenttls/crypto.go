// Copyright 2017 The NanoProxy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package violenttls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

const keyBits = 2048

// Validity windows and rotation thresholds. Certificates are backdated a
// day to absorb clock skew between the proxy and the user agent.
const (
	backdate     = 24 * time.Hour
	caLifetime   = 20 * 365 * 24 * time.Hour
	leafLifetime = 2 * 365 * 24 * time.Hour

	caRotateBefore   = 3 * 365 * 24 * time.Hour
	leafRotateBefore = 2 * 30 * 24 * time.Hour
)

// caSubject and leafSubject are the fixed distinguished names on
// everything this authority issues. User agents display these, so they
// stay recognisable rather than mimicking the intercepted origin.
var (
	caSubject = pkix.Name{
		Country:            []string{"World"},
		Organization:       []string{"Violentproxy"},
		OrganizationalUnit: []string{"Violenttls Engine"},
		Province:           []string{"World"},
		Locality:           []string{"World"},
		CommonName:         "Violentca",
	}
	leafSubject = pkix.Name{
		Country:            []string{"World"},
		Organization:       []string{"Violentproxy"},
		OrganizationalUnit: []string{"Violenttls Engine"},
		Province:           []string{"World"},
		Locality:           []string{"World"},
		CommonName:         "Violentserver",
	}
)

// material is a certificate and its RSA key pair, both parsed and in the
// PEM forms that get persisted and handed to TLS listeners.
type material struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	certPEM    []byte
	publicPEM  []byte
	privatePEM []byte
}

func newSerialNumber() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

// newCA generates a fresh certificate authority whose SANs carry the
// configured proxy domains and IPs so clients can also trust the
// listener itself when it serves TLS.
func newCA(domains []string, ips []string, now time.Time) (*material, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating CA key pair: %v", err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("generating CA serial number: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      caSubject,
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(caLifetime),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage: []x509.ExtKeyUsage{
			x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth,
			x509.ExtKeyUsageEmailProtection, x509.ExtKeyUsageCodeSigning,
			x509.ExtKeyUsageTimeStamping,
		},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}
	for _, d := range domains {
		tmpl.DNSNames = append(tmpl.DNSNames, d)
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating CA certificate: %v", err)
	}
	return assemble(der, key)
}

// newLeaf generates a host certificate signed by ca. Its SANs cover the
// host and the wildcard sharing its cache key, plus any extra IPs.
func newLeaf(host string, ips []string, ca *material, now time.Time) (*material, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key pair for %s: %v", host, err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("generating serial number for %s: %v", host, err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      leafSubject,
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(leafLifetime),
		KeyUsage: x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:           sanNames(host),
		SignatureAlgorithm: x509.SHA256WithRSA,
	}
	for _, s := range ips {
		if ip := net.ParseIP(s); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate for %s: %v", host, err)
	}
	return assemble(der, key)
}

// newLeafFromTemplate signs a fresh key pair over tmpl, which carries the
// full SAN set the caller wants. A new serial number is always assigned.
func newLeafFromTemplate(tmpl *x509.Certificate, ca *material) (*material, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %v", err)
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %v", err)
	}
	tmpl.SerialNumber = serial
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %v", err)
	}
	return assemble(der, key)
}

// assemble parses der back into a certificate and fills in the three PEM
// encodings that storage and listeners need.
func assemble(der []byte, key *rsa.PrivateKey) (*material, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing generated certificate: %v", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %v", err)
	}
	return &material{
		cert:       cert,
		key:        key,
		certPEM:    pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		publicPEM:  pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pub}),
		privatePEM: pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}, nil
}

// loadMaterial reconstructs a material from the persisted certificate and
// private key PEM blocks.
func loadMaterial(certPEM, publicPEM, privatePEM []byte) (*material, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("no certificate block found")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %v", err)
	}
	key, err := loadPrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}
	return &material{
		cert:       cert,
		key:        key,
		certPEM:    certPEM,
		publicPEM:  publicPEM,
		privatePEM: privatePEM,
	}, nil
}

// loadPrivateKey loads a PEM-encoded RSA private key from an array of bytes.
func loadPrivateKey(keyPEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no private key block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("unsupported private key type")
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unknown private key type %q", block.Type)
}

// expiringWithin reports whether cert has less than d of validity left.
func expiringWithin(cert *x509.Certificate, d time.Duration, now time.Time) bool {
	return cert.NotAfter.Sub(now) < d
}
