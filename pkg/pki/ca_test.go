package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueReturnsLeafAndCAChain(t *testing.T) {
	ca, err := New()
	require.NoError(t, err)

	chain, err := ca.Issue("agent1", "")
	require.NoError(t, err)

	blocks := decodeAll(t, chain)
	require.Len(t, blocks, 2)

	leaf, err := x509.ParseCertificate(blocks[0].Bytes)
	require.NoError(t, err)
	assert.Equal(t, "agent1", leaf.Subject.CommonName)
	assert.Equal(t, []string{"Pathwell Agent"}, leaf.Subject.Organization)
	assert.WithinDuration(t, time.Now().Add(365*24*time.Hour), leaf.NotAfter, time.Minute)

	root, err := x509.ParseCertificate(blocks[1].Bytes)
	require.NoError(t, err)
	assert.True(t, root.IsCA)
}

func TestIssueUsesCallerKeyWhenParseable(t *testing.T) {
	ca, err := New()
	require.NoError(t, err)

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	chain, err := ca.Issue("agent-keyed", pubPEM)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(decodeAll(t, chain)[0].Bytes)
	require.NoError(t, err)
	leafKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	require.True(t, ok)
	assert.True(t, leafKey.Equal(&key.PublicKey))
}

func TestValidateAcceptsFreshChain(t *testing.T) {
	ca, err := New()
	require.NoError(t, err)

	chain, err := ca.Issue("agent1", "")
	require.NoError(t, err)

	ok, err := ca.Validate(chain)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateRejectsGarbage(t *testing.T) {
	ca, err := New()
	require.NoError(t, err)

	_, err = ca.Validate("not a certificate")
	assert.Error(t, err)
}

func decodeAll(t *testing.T, chain string) []*pem.Block {
	t.Helper()
	var blocks []*pem.Block
	rest := []byte(strings.TrimSpace(chain))
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks = append(blocks, block)
	}
	return blocks
}
