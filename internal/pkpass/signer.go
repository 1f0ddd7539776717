package pkpass

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"go.mozilla.org/pkcs7"
	"golang.org/x/crypto/pkcs12"
)

// Signer produces the detached PKCS#7 signature over manifest.json.
type Signer struct {
	cert *x509.Certificate
	key  crypto.PrivateKey
	wwdr *x509.Certificate
}

// NewSigner returns a signer for cert and key. wwdr is the Apple WWDR
// intermediate; nil signs without a chain.
func NewSigner(cert *x509.Certificate, key crypto.PrivateKey, wwdr *x509.Certificate) *Signer {
	return &Signer{cert: cert, key: key, wwdr: wwdr}
}

// LoadSigner reads the pass type certificate from a .p12 bundle and the
// WWDR certificate from wwdrPath (PEM or DER, optional).
func LoadSigner(p12Path, password, wwdrPath string) (*Signer, error) {
	cert, key, err := LoadP12(p12Path, password)
	if err != nil {
		return nil, err
	}
	var wwdr *x509.Certificate
	if wwdrPath != "" {
		if wwdr, err = LoadCertificate(wwdrPath); err != nil {
			return nil, err
		}
	}
	return NewSigner(cert, key, wwdr), nil
}

func (s *Signer) Certificate() *x509.Certificate { return s.cert }

func (s *Signer) Sign(manifest []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(manifest)
	if err != nil {
		return nil, fmt.Errorf("pkpass: new signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if s.wwdr != nil {
		err = sd.AddSignerChain(s.cert, s.key, []*x509.Certificate{s.wwdr}, pkcs7.SignerInfoConfig{})
	} else {
		err = sd.AddSigner(s.cert, s.key, pkcs7.SignerInfoConfig{})
	}
	if err != nil {
		return nil, fmt.Errorf("pkpass: add signer: %w", err)
	}

	sd.Detach()
	sig, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("pkpass: finish signature: %w", err)
	}
	return sig, nil
}

// LoadP12 decodes a PKCS#12 bundle holding one certificate and its key.
// The same bundle format is used for the APNs client certificate.
func LoadP12(path, password string) (*x509.Certificate, crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return cert, key, nil
}

// LoadCertificate reads a PEM or DER encoded certificate.
func LoadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%s: unexpected PEM block %q", path, block.Type)
		}
		data = block.Bytes
	}
	cert, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("parse %s", path), err)
	}
	return cert, nil
}
