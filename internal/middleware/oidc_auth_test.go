package middleware

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key"

type testIssuer struct {
	server *httptest.Server
	key    *rsa.PrivateKey
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	iss := &testIssuer{key: key}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                                iss.server.URL,
			"jwks_uri":                              iss.server.URL + "/keys",
			"id_token_signing_alg_values_supported": []string{"RS256"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		pub := key.PublicKey
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKeyID,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
			}},
		})
	})
	iss.server = httptest.NewTLSServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

func (iss *testIssuer) token(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(iss.key)
	require.NoError(t, err)
	return signed
}

func (iss *testIssuer) middleware(t *testing.T) func(http.Handler) http.Handler {
	t.Helper()
	mw, err := OIDCAuth(t.Context(), OIDCAuthConfig{
		Enabled:    true,
		IssuerURL:  iss.server.URL,
		Audience:   "sql-agent",
		HTTPClient: iss.server.Client(),
	}, nil)
	require.NoError(t, err)
	return mw
}

func TestOIDCAuth(t *testing.T) {
	iss := newTestIssuer(t)
	handler := iss.middleware(t)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, ok := AuthFromContext(r.Context())
		require.True(t, ok)
		assert.Equal(t, "analyst", auth.Subject)
		assert.Equal(t, []string{"sql-agent"}, auth.Audience)
		w.WriteHeader(http.StatusOK)
	}))

	now := time.Now()
	valid := jwt.MapClaims{
		"iss": iss.server.URL,
		"aud": "sql-agent",
		"sub": "analyst",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	withClaims := func(overrides jwt.MapClaims) jwt.MapClaims {
		out := jwt.MapClaims{}
		for k, v := range valid {
			out[k] = v
		}
		for k, v := range overrides {
			out[k] = v
		}
		return out
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer " + iss.token(t, valid), http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + iss.token(t, valid), http.StatusUnauthorized},
		{"wrong audience", "Bearer " + iss.token(t, withClaims(jwt.MapClaims{"aud": "other"})), http.StatusUnauthorized},
		{"wrong issuer", "Bearer " + iss.token(t, withClaims(jwt.MapClaims{"iss": "https://elsewhere.example"})), http.StatusUnauthorized},
		{"expired beyond skew", "Bearer " + iss.token(t, withClaims(jwt.MapClaims{"exp": now.Add(-10 * time.Minute).Unix()})), http.StatusUnauthorized},
		{"expired within skew", "Bearer " + iss.token(t, withClaims(jwt.MapClaims{"exp": now.Add(-30 * time.Second).Unix()})), http.StatusOK},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/ask", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestOIDCAuthConfigErrors(t *testing.T) {
	mw, err := OIDCAuth(t.Context(), OIDCAuthConfig{}, nil)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "disabled auth passes through")

	_, err = OIDCAuth(t.Context(), OIDCAuthConfig{Enabled: true, IssuerURL: "https://issuer.example"}, nil)
	assert.ErrorContains(t, err, "issuer/audience")

	_, err = OIDCAuth(t.Context(), OIDCAuthConfig{Enabled: true, IssuerURL: "http://issuer.example", Audience: "a"}, nil)
	assert.ErrorContains(t, err, "https")
}

func TestValidateTimeClaims(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	skew := time.Minute

	assert.NoError(t, validateTimeClaims(map[string]any{"exp": float64(now.Unix() + 10)}, skew, now))
	assert.NoError(t, validateTimeClaims(map[string]any{"exp": json.Number("1700000030")}, skew, now.Add(time.Minute)))
	assert.ErrorContains(t, validateTimeClaims(map[string]any{}, skew, now), "no expiry")
	assert.ErrorContains(t, validateTimeClaims(map[string]any{"exp": float64(now.Unix() - 120)}, skew, now), "expired")
	assert.ErrorContains(t, validateTimeClaims(map[string]any{
		"exp": float64(now.Unix() + 600),
		"nbf": float64(now.Unix() + 300),
	}, skew, now), "not valid yet")
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("bearer  abc "))
	assert.Empty(t, bearerToken("Basic abc"))
	assert.Empty(t, bearerToken("Bearer"))
}
