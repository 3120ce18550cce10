package kalshi

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/awnumar/memguard"
)

const wsPath = "/trade-api/ws/v2"

// Signer produces the signed headers the Kalshi WebSocket upgrade expects.
// The RSA private key is sealed in a memguard Enclave and only opened
// momentarily while producing a signature.
type Signer struct {
	apiKeyID string
	enclave  *memguard.Enclave
}

// NewSigner validates the PEM-encoded private key and seals it. Returns an
// error when credentials are missing or unparseable; callers treat that as
// a signal to fall back to the unauthenticated poll transport.
func NewSigner(apiKeyID, privateKeyPEM string) (*Signer, error) {
	if apiKeyID == "" || privateKeyPEM == "" {
		return nil, errors.New("kalshi: missing API key ID or private key")
	}

	// Keys delivered through env vars often carry literal \n escapes.
	pemBytes := []byte(strings.ReplaceAll(privateKeyPEM, `\n`, "\n"))
	if _, err := parseRSAKey(pemBytes); err != nil {
		return nil, err
	}

	return &Signer{
		apiKeyID: apiKeyID,
		// NewEnclave wipes pemBytes after sealing.
		enclave: memguard.NewEnclave(pemBytes),
	}, nil
}

// Headers computes fresh RSA-PSS auth headers for a WebSocket dial. The
// signature covers timestamp + method + path with SHA-256 and a salt length
// equal to the digest.
func (s *Signer) Headers() (http.Header, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("kalshi: open key enclave: %w", err)
	}
	defer buf.Destroy()

	key, err := parseRSAKey(buf.Bytes())
	if err != nil {
		return nil, err
	}

	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	msg := ts + "GET" + wsPath

	h := sha256.Sum256([]byte(msg))
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, h[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
	})
	if err != nil {
		return nil, fmt.Errorf("kalshi: sign: %w", err)
	}

	headers := http.Header{}
	headers.Set("KALSHI-ACCESS-KEY", s.apiKeyID)
	headers.Set("KALSHI-ACCESS-TIMESTAMP", ts)
	headers.Set("KALSHI-ACCESS-SIGNATURE", base64.StdEncoding.EncodeToString(sig))
	return headers, nil
}

func parseRSAKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("kalshi: no PEM block in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("kalshi: private key is not RSA")
		}
		return rsaKey, nil
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("kalshi: parse private key: %w", err)
	}
	return key, nil
}
