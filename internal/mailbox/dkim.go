package mailbox

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// DKIMSigner signs outbound automation mail for one domain.
type DKIMSigner struct {
	domain     string
	selector   string
	privateKey *rsa.PrivateKey
}

// NewDKIMSigner loads a PEM encoded RSA key (PKCS#1 or PKCS#8).
func NewDKIMSigner(domain, selector, keyPath string) (*DKIMSigner, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err8)
		}
		var ok bool
		if key, ok = parsed.(*rsa.PrivateKey); !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
	}
	return NewDKIMSignerWithKey(domain, selector, key), nil
}

// NewDKIMSignerWithKey creates a signer from an in-memory key.
func NewDKIMSignerWithKey(domain, selector string, key *rsa.PrivateKey) *DKIMSigner {
	return &DKIMSigner{domain: strings.ToLower(domain), selector: selector, privateKey: key}
}

// Domain returns the signing domain.
func (s *DKIMSigner) Domain() string { return s.domain }

// Sign reads a message from r and writes it with a DKIM-Signature header to w.
func (s *DKIMSigner) Sign(w io.Writer, r io.Reader) error {
	return dkim.Sign(w, r, &dkim.SignOptions{
		Domain:   s.domain,
		Selector: s.selector,
		Signer:   s.privateKey,
		Hash:     crypto.SHA256,
		HeaderKeys: []string{
			"From",
			"To",
			"Cc",
			"Subject",
			"Date",
			"Message-ID",
			"In-Reply-To",
			"Content-Type",
			"MIME-Version",
		},
	})
}
