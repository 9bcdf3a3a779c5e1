package security

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_FingerprintVerifies(t *testing.T) {
	id, err := NewIdentity()
	require.NoError(t, err)

	fp, err := id.Fingerprint(SetupActPass)
	require.NoError(t, err)
	assert.Equal(t, "sha-256", fp.Hash)
	assert.Equal(t, SetupActPass, fp.Setup)
	assert.Len(t, fp.Value, 32*3-1, "32 байта в виде AA:BB:...")

	leaf, err := x509.ParseCertificate(id.Certificate.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, Verify(fp, leaf))
}

func TestVerify_Mismatch(t *testing.T) {
	a, err := NewIdentity()
	require.NoError(t, err)
	b, err := NewIdentity()
	require.NoError(t, err)

	fpA, err := a.Fingerprint(SetupActPass)
	require.NoError(t, err)
	leafB, err := x509.ParseCertificate(b.Certificate.Certificate[0])
	require.NoError(t, err)

	assert.ErrorIs(t, Verify(fpA, leafB), ErrFingerprintMismatch)
	assert.Error(t, Verify(nil, leafB))
}

func TestAnswerSetup(t *testing.T) {
	assert.Equal(t, SetupActive, AnswerSetup(SetupActPass))
	assert.Equal(t, SetupPassive, AnswerSetup(SetupActive))
	assert.Equal(t, SetupActive, AnswerSetup(SetupPassive))
}
