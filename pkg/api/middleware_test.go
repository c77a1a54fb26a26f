package api_test

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/tollgate/pkg/agent"
	"github.com/Mindburn-Labs/tollgate/pkg/api"
	"github.com/Mindburn-Labs/tollgate/pkg/firewall"
	"github.com/Mindburn-Labs/tollgate/pkg/identity"
	"github.com/Mindburn-Labs/tollgate/pkg/policy"
	"github.com/Mindburn-Labs/tollgate/pkg/provider"
	"github.com/Mindburn-Labs/tollgate/pkg/ratelimit"
	"github.com/Mindburn-Labs/tollgate/pkg/session"
	"github.com/Mindburn-Labs/tollgate/pkg/signing"
)

// signedFixture stands up a server that requires detached signatures on the
// firewall check route.
func signedFixture(t *testing.T) (*httptest.Server, string, ed25519.PrivateKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	registry, err := signing.NewRegistry([]*signing.KeyRecord{{
		KID:       "kid-1",
		ClientID:  "client-1",
		PublicKey: pemKey,
		Status:    signing.StatusActive,
	}})
	require.NoError(t, err)
	verifier := signing.NewVerifier(registry, signing.NewMemoryNonceStore(), time.Minute)

	agents := agent.NewService(agent.NewMemoryStore(), agent.NewHasher([]byte("pepper")), nil)
	_, apiKey, err := agents.Create(t.Context(), agent.CreateParams{DailyBudgetUSD: 100})
	require.NoError(t, err)

	providers := provider.NewMemoryRegistry()
	require.NoError(t, providers.Register(t.Context(), &provider.Provider{
		ID:                "prov-1",
		TrustScore:        90,
		ExpectedRecipient: "0xAbC0000000000000000000000000000000000001",
	}))

	policies := policy.NewMemoryStore()
	verdicts := firewall.NewMemoryVerdictStore()
	sessions := session.NewMemoryStore()
	events := session.NewMemoryEventStore()

	ks, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)

	srv := api.NewServer(api.Options{
		Engine:       firewall.NewEngine(firewall.DefaultConfig(), policies, providers, verdicts, nil),
		Sessions:     session.NewManager(sessions, events, nil),
		SessionStore: sessions,
		Events:       events,
		Verdicts:     verdicts,
		Policies:     policies,
		Providers:    providers,
		Agents:       agents,
		Tokens:       identity.NewTokenManager(ks),
		Limiter:      ratelimit.NewMemoryLimiter(),
		Verifier:     verifier,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, apiKey, priv
}

func signRequest(t *testing.T, req *http.Request, body []byte, priv ed25519.PrivateKey, nonce string) {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	canonical := signing.CanonicalString(signing.Request{
		Method:        req.Method,
		Path:          req.URL.Path,
		Host:          req.Host,
		ClientID:      "client-1",
		Timestamp:     ts,
		Nonce:         nonce,
		ContentDigest: signing.DigestBody(body),
	})
	sig := ed25519.Sign(priv, []byte(canonical))

	req.Header.Set("X-Client-ID", "client-1")
	req.Header.Set("X-Timestamp", ts)
	req.Header.Set("X-Nonce", nonce)
	req.Header.Set("X-Key-ID", "kid-1")
	req.Header.Set("X-Signature", base64.StdEncoding.EncodeToString(sig))
}

func checkBody(t *testing.T) []byte {
	t.Helper()
	raw, err := json.Marshal(api.CheckRequest{
		Transaction: firewall.TransactionInput{
			ChainID: 8453,
			From:    "0x1111111111111111111111111111111111111111",
			To:      "0xAbC0000000000000000000000000000000000001",
			ToLabel: "compute.eth",
			Value:   "1000000",
		},
		Provider: &firewall.ProviderContext{ID: "prov-1"},
	})
	require.NoError(t, err)
	return raw
}

func TestSignedCheck_Accepted(t *testing.T) {
	ts, apiKey, priv := signedFixture(t)
	body := checkBody(t)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/firewall/check", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("X-API-Key", apiKey)
	signRequest(t, req, body, priv, "nonce-1")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out api.CheckResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, firewall.DecisionApproved, out.Verdict.Decision)
}

func TestSignedCheck_RejectsMissingAndReplayedSignatures(t *testing.T) {
	ts, apiKey, priv := signedFixture(t)
	body := checkBody(t)

	t.Run("unsigned", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/firewall/check", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-API-Key", apiKey)

		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("replayed nonce", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/firewall/check", bytes.NewReader(body))
			require.NoError(t, err)
			req.Header.Set("X-API-Key", apiKey)
			signRequest(t, req, body, priv, "nonce-replay")

			resp, err := ts.Client().Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			if i == 0 {
				require.Equal(t, http.StatusOK, resp.StatusCode)
			} else {
				assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			}
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/firewall/check", bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("X-API-Key", apiKey)
		signRequest(t, req, append([]byte(nil), bytes.ToUpper(body)...), priv, "nonce-tamper")

		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestRequestID_EchoesInbound(t *testing.T) {
	ts, _, _ := signedFixture(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "rid-42")

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); resp.Body.Close() }()
	assert.Equal(t, "rid-42", resp.Header.Get("X-Request-ID"))
}
