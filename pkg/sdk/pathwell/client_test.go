package pathwell

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestDoSignsRequest(t *testing.T) {
	key := testKey(t)

	var verified bool
	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "agent-1", r.Header.Get(headerAgentID))
		ts, err := strconv.ParseInt(r.Header.Get(headerTimestamp), 10, 64)
		require.NoError(t, err)

		err = Verify(&key.PublicKey, r.Method, r.URL.Path, []byte(`{"sku":"A1"}`), ts, r.Header.Get(headerSignature))
		require.NoError(t, err)
		verified = true
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(gateway.Close)

	client, err := New("http://registry.invalid", gateway.URL, "agent-1", WithPrivateKey(key))
	require.NoError(t, err)

	resp, err := client.Do(context.Background(), http.MethodPost, "/api/orders", []byte(`{"sku":"A1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, verified)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	key := testKey(t)
	client, err := New("", "", "agent-1", WithPrivateKey(key))
	require.NoError(t, err)

	sig, err := client.sign(http.MethodPost, "/api/orders", []byte(`{"sku":"A1"}`), 1700000000)
	require.NoError(t, err)

	err = Verify(&key.PublicKey, http.MethodPost, "/api/orders", []byte(`{"sku":"A2"}`), 1700000000, sig)
	assert.Error(t, err)
}

func TestRegisterAgentReturnsCertificateChain(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/agents/register", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "agent-1", req["agent_id"])
		assert.Contains(t, req["public_key"], "BEGIN PUBLIC KEY")

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"agent_id":          "agent-1",
			"certificate_chain": "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n",
			"registered":        true,
		})
	}))
	t.Cleanup(registry.Close)

	client, err := New(registry.URL, "", "agent-1", WithPrivateKey(testKey(t)))
	require.NoError(t, err)

	chain, err := client.RegisterAgent(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Contains(t, chain, "BEGIN CERTIFICATE")
}

func TestRegisterDeveloperSurfacesAPIError(t *testing.T) {
	registry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"developer_exists","message":"Developer already registered"}`))
	}))
	t.Cleanup(registry.Close)

	client, err := New(registry.URL, "", "agent-1", WithPrivateKey(testKey(t)))
	require.NoError(t, err)

	err = client.RegisterDeveloper(context.Background(), "dev-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "developer_exists")
}
