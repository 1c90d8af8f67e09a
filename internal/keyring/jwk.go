package keyring

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Key is a verification key from the discovery document. Algorithm is empty
// for RSA keys that do not declare one.
type Key struct {
	ID        string
	Algorithm string
	Public    crypto.PublicKey
}

// Document is the JSON served by the discovery endpoint.
type Document struct {
	Keys []JWK `json:"keys"`
}

// JWK is a single JSON Web Key. Only public signing members are read.
type JWK struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Alg string `json:"alg,omitempty"`
	Use string `json:"use,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

var errSkipKey = errors.New("not a signing key")

// ParseJWK converts a JWK into a Key. Encryption keys and unsupported key
// types return an error wrapping errSkipKey.
func ParseJWK(j JWK) (Key, error) {
	if strings.TrimSpace(j.Kid) == "" {
		return Key{}, fmt.Errorf("%w: missing kid", errSkipKey)
	}
	if j.Use != "" && j.Use != "sig" {
		return Key{}, fmt.Errorf("%w: use %q", errSkipKey, j.Use)
	}
	switch strings.ToUpper(j.Kty) {
	case "RSA":
		pub, err := rsaFromJWK(j.N, j.E)
		if err != nil {
			return Key{}, err
		}
		return Key{ID: j.Kid, Algorithm: j.Alg, Public: pub}, nil
	case "EC":
		pub, alg, err := ecdsaFromJWK(j.Crv, j.X, j.Y)
		if err != nil {
			return Key{}, err
		}
		if j.Alg != "" {
			alg = j.Alg
		}
		return Key{ID: j.Kid, Algorithm: alg, Public: pub}, nil
	default:
		return Key{}, fmt.Errorf("%w: kty %q", errSkipKey, j.Kty)
	}
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decode n: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decode e: %w", err)
	}
	if len(nb) < 256 {
		return nil, errors.New("rsa modulus shorter than 2048 bits")
	}
	if len(eb) == 0 || len(eb) > 4 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func ecdsaFromJWK(crv, xB64, yB64 string) (*ecdsa.PublicKey, string, error) {
	var curve elliptic.Curve
	var alg string
	switch crv {
	case "P-256":
		curve, alg = elliptic.P256(), "ES256"
	case "P-384":
		curve, alg = elliptic.P384(), "ES384"
	case "P-521":
		curve, alg = elliptic.P521(), "ES512"
	default:
		return nil, "", fmt.Errorf("%w: crv %q", errSkipKey, crv)
	}
	xb, err := base64.RawURLEncoding.DecodeString(xB64)
	if err != nil {
		return nil, "", fmt.Errorf("decode x: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(yB64)
	if err != nil {
		return nil, "", fmt.Errorf("decode y: %w", err)
	}
	x, y := new(big.Int).SetBytes(xb), new(big.Int).SetBytes(yb)
	if !curve.IsOnCurve(x, y) {
		return nil, "", errors.New("point not on curve")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, alg, nil
}
