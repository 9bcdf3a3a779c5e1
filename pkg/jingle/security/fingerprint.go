// Package security формирует и проверяет DTLS-отпечатки для элемента security content.
package security

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/dtls/v2/pkg/crypto/fingerprint"
	"github.com/pion/dtls/v2/pkg/crypto/selfsign"

	"github.com/arzzra/jingle/pkg/jingle/element"
)

// Роли setup (RFC 4145)
const (
	SetupActPass = "actpass"
	SetupActive  = "active"
	SetupPassive = "passive"
)

// ErrFingerprintMismatch сертификат собеседника не совпал с объявленным отпечатком
var ErrFingerprintMismatch = errors.New("security: fingerprint mismatch")

// Identity самоподписанный сертификат DTLS этой стороны
type Identity struct {
	Certificate tls.Certificate
	leaf        *x509.Certificate
	hash        crypto.Hash
}

// NewIdentity генерирует самоподписанный сертификат
func NewIdentity() (*Identity, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("security: generate certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("security: parse certificate: %w", err)
	}
	return &Identity{Certificate: cert, leaf: leaf, hash: crypto.SHA256}, nil
}

// Fingerprint элемент отпечатка для объявления в content
func (id *Identity) Fingerprint(setup string) (*element.DTLSFingerprint, error) {
	value, err := fingerprint.Fingerprint(id.leaf, id.hash)
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	name, err := fingerprint.StringFromHash(id.hash)
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	return &element.DTLSFingerprint{Hash: name, Setup: setup, Value: strings.ToUpper(value)}, nil
}

// Verify проверяет сертификат собеседника по объявленному отпечатку
func Verify(fp *element.DTLSFingerprint, cert *x509.Certificate) error {
	if fp == nil {
		return fmt.Errorf("security: no fingerprint")
	}
	hash, err := fingerprint.HashFromString(fp.Hash)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	actual, err := fingerprint.Fingerprint(cert, hash)
	if err != nil {
		return fmt.Errorf("security: %w", err)
	}
	if !strings.EqualFold(actual, fp.Value) {
		return ErrFingerprintMismatch
	}
	return nil
}

// AnswerSetup роль отвечающей стороны на предложенную setup
func AnswerSetup(offered string) string {
	switch offered {
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default:
		return SetupActive
	}
}
