// Package tlscerts implements the TLS certificate manager: self-signed and
// CA-signed X.509 certificate issuance, validation, and renewal eligibility.
package tlscerts

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sorenvik/credvault/internal/apperr"
	"github.com/sorenvik/credvault/internal/crypto"
)

const (
	// DefaultKeyBits is the default RSA modulus size for TLS keys.
	DefaultKeyBits = 2048
	// DefaultValidityDays is the default leaf certificate lifetime.
	DefaultValidityDays = 365
	// DefaultCAValidityDays is the default CA lifetime (~10 years).
	DefaultCAValidityDays = 3650
	// DefaultRenewalWindowDays is how close to expiry a certificate becomes
	// eligible for renewal.
	DefaultRenewalWindowDays = 30
)

// Options are the caller-supplied subject and validity inputs.
type Options struct {
	CommonName         string
	Organization       string
	OrganizationalUnit string
	Country            string
	State              string
	Locality           string
	ValidityDays       int
	KeyBits            int
	DNSNames           []string
	IPAddresses        []string
}

func (o *Options) subject() pkix.Name {
	name := pkix.Name{CommonName: o.CommonName}
	org := o.Organization
	if org == "" {
		org = "CredVault"
	}
	unit := o.OrganizationalUnit
	if unit == "" {
		unit = "Operations"
	}
	country := o.Country
	if country == "" {
		country = "US"
	}
	name.Organization = []string{org}
	name.OrganizationalUnit = []string{unit}
	name.Country = []string{country}
	if o.State != "" {
		name.Province = []string{o.State}
	}
	if o.Locality != "" {
		name.Locality = []string{o.Locality}
	}
	return name
}

// CertBundle is the output of certificate generation. PrivateKeyPEM is
// plaintext and must be encrypted before persisting.
type CertBundle struct {
	CertID         string
	CertificatePEM string
	PrivateKeyPEM  []byte
	PublicKeyPEM   string
	Fingerprint    string
	SerialNumber   string
	Subject        string
	Issuer         string
	NotBefore      time.Time
	NotAfter       time.Time
	KeySize        int
	Algorithm      string
	IsCA           bool
}

func newSerialNumber() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func encodeBundle(certDER []byte, key *rsa.PrivateKey, bits int, isCA bool) (*CertBundle, error) {
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "tlscerts.encodeBundle", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	pubDER, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, "tlscerts.encodeBundle", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	return &CertBundle{
		CertID:         uuid.NewString(),
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  keyPEM,
		PublicKeyPEM:   string(pubPEM),
		Fingerprint:    crypto.Fingerprint(certDER),
		SerialNumber:   cert.SerialNumber.String(),
		Subject:        cert.Subject.String(),
		Issuer:         cert.Issuer.String(),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		KeySize:        bits,
		Algorithm:      "RSA",
		IsCA:           isCA,
	}, nil
}

func parseIPs(addrs []string) []net.IP {
	var ips []net.IP
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}

// GenerateCertificate builds a self-signed leaf certificate: basic
// constraints CA=false, key usage for signature and encipherment, extended
// key usage for server and client auth. SANs default to localhost and the
// loopback addresses when none are supplied.
func GenerateCertificate(opts Options) (*CertBundle, error) {
	const op = "tlscerts.GenerateCertificate"

	if opts.CommonName == "" {
		return nil, apperr.E(apperr.KindValidation, op, "common name is required")
	}
	bits := opts.KeyBits
	if bits == 0 {
		bits = DefaultKeyBits
	}
	validityDays := opts.ValidityDays
	if validityDays <= 0 {
		validityDays = DefaultValidityDays
	}

	key, err := crypto.GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, err
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}

	dnsNames := opts.DNSNames
	ips := parseIPs(opts.IPAddresses)
	if len(dnsNames) == 0 && len(ips) == 0 {
		dnsNames = []string{"localhost"}
		ips = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      opts.subject(),
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, validityDays),
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}
	return encodeBundle(certDER, key, bits, false)
}

// GenerateCA builds a self-signed CA certificate: CA=true with a path
// length constraint, key usage limited to certificate and CRL signing, and
// a long default validity.
func GenerateCA(opts Options) (*CertBundle, error) {
	const op = "tlscerts.GenerateCA"

	if opts.CommonName == "" {
		return nil, apperr.E(apperr.KindValidation, op, "common name is required")
	}
	bits := opts.KeyBits
	if bits == 0 {
		bits = DefaultKeyBits
	}
	validityDays := opts.ValidityDays
	if validityDays <= 0 {
		validityDays = DefaultCAValidityDays
	}

	key, err := crypto.GenerateRSAKeyPair(bits)
	if err != nil {
		return nil, err
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               opts.subject(),
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}
	return encodeBundle(certDER, key, bits, true)
}

// SignCertificate validates a certificate signing request and issues a leaf
// certificate signed by the given CA. The subject and public key come from
// the CSR; the issuer comes from the CA certificate.
func SignCertificate(csrPEM string, caKeyPEM []byte, caCertPEM string, opts Options) (*CertBundle, error) {
	const op = "tlscerts.SignCertificate"

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, apperr.E(apperr.KindParse, op, "input is not a PEM certificate request")
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, op, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, apperr.Wrapf(apperr.KindParse, op, err, "csr signature check failed")
	}

	caCert, err := ParseCertificatePEM(caCertPEM)
	if err != nil {
		return nil, err
	}
	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, apperr.E(apperr.KindParse, op, "ca private key is not PEM")
	}
	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, op, err)
	}

	validityDays := opts.ValidityDays
	if validityDays <= 0 {
		validityDays = DefaultValidityDays
	}
	serial, err := newSerialNumber()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now,
		NotAfter:     now.AddDate(0, 0, validityDays),
		KeyUsage: x509.KeyUsageDigitalSignature |
			x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              csr.DNSNames,
		IPAddresses:           csr.IPAddresses,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, caCert, csr.PublicKey, caKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindCrypto, op, err)
	}

	certOut := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keySize := 0
	if pub, ok := csr.PublicKey.(*rsa.PublicKey); ok {
		keySize = pub.N.BitLen()
	}

	return &CertBundle{
		CertID:         uuid.NewString(),
		CertificatePEM: string(certOut),
		Fingerprint:    crypto.Fingerprint(certDER),
		SerialNumber:   cert.SerialNumber.String(),
		Subject:        cert.Subject.String(),
		Issuer:         cert.Issuer.String(),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
		KeySize:        keySize,
		Algorithm:      "RSA",
		IsCA:           false,
	}, nil
}

// ParseCertificatePEM decodes and parses a single PEM certificate.
func ParseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	const op = "tlscerts.ParseCertificatePEM"
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, apperr.E(apperr.KindParse, op, "input is not a PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParse, op, err)
	}
	return cert, nil
}

// ValidationResult reports whether a certificate is currently usable,
// distinguishing expired from not-yet-valid. Parse failures set Valid=false
// with Error populated instead of returning an error.
type ValidationResult struct {
	Valid       bool      `json:"valid"`
	Expired     bool      `json:"expired"`
	NotYetValid bool      `json:"not_yet_valid"`
	Error       string    `json:"error,omitempty"`
	Subject     string    `json:"subject,omitempty"`
	NotBefore   time.Time `json:"not_before,omitempty"`
	NotAfter    time.Time `json:"not_after,omitempty"`
}

// ValidateCertificate checks the validity window against the current time.
func ValidateCertificate(certPEM string) ValidationResult {
	return ValidateCertificateAt(certPEM, time.Now())
}

// ValidateCertificateAt is ValidateCertificate with an explicit clock.
func ValidateCertificateAt(certPEM string, now time.Time) ValidationResult {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return ValidationResult{Valid: false, Error: err.Error()}
	}
	result := ValidationResult{
		Subject:   cert.Subject.String(),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
	}
	switch {
	case now.Before(cert.NotBefore):
		result.NotYetValid = true
	case now.After(cert.NotAfter):
		result.Expired = true
	default:
		result.Valid = true
	}
	return result
}

// NeedsRenewal reports whether the certificate is within renewalWindowDays
// of expiry. Unparseable certificates need renewal (fail-safe).
func NeedsRenewal(certPEM string, renewalWindowDays int) bool {
	return NeedsRenewalAt(certPEM, renewalWindowDays, time.Now())
}

// NeedsRenewalAt is NeedsRenewal with an explicit clock.
func NeedsRenewalAt(certPEM string, renewalWindowDays int, now time.Time) bool {
	if renewalWindowDays <= 0 {
		renewalWindowDays = DefaultRenewalWindowDays
	}
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return true
	}
	return cert.NotAfter.Sub(now) <= time.Duration(renewalWindowDays)*24*time.Hour
}

// CertInfo is the parsed summary of a certificate.
type CertInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	Fingerprint  string    `json:"fingerprint"`
	KeySize      int       `json:"key_size"`
	Algorithm    string    `json:"algorithm"`
	IsCA         bool      `json:"is_ca"`
	Extensions   []string  `json:"extensions"`
	DNSNames     []string  `json:"dns_names,omitempty"`
}

var extensionNames = map[string]string{
	"2.5.29.15": "keyUsage",
	"2.5.29.17": "subjectAltName",
	"2.5.29.19": "basicConstraints",
	"2.5.29.37": "extKeyUsage",
	"2.5.29.14": "subjectKeyIdentifier",
	"2.5.29.35": "authorityKeyIdentifier",
}

// GetCertificateInfo extracts the displayable fields of a certificate.
func GetCertificateInfo(certPEM string) (*CertInfo, error) {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return nil, err
	}

	keySize := 0
	algorithm := cert.PublicKeyAlgorithm.String()
	if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
		keySize = pub.N.BitLen()
	}

	var extensions []string
	for _, ext := range cert.Extensions {
		id := ext.Id.String()
		if name, ok := extensionNames[id]; ok {
			extensions = append(extensions, name)
		} else {
			extensions = append(extensions, id)
		}
	}

	return &CertInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.String(),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
		Fingerprint:  crypto.Fingerprint(cert.Raw),
		KeySize:      keySize,
		Algorithm:    algorithm,
		IsCA:         cert.IsCA,
		Extensions:   extensions,
		DNSNames:     cert.DNSNames,
	}, nil
}
