package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmdall/fileswap/internal/auth"
	"github.com/jmdall/fileswap/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func issuer(t *testing.T) *auth.Issuer {
	t.Helper()
	i, err := auth.NewIssuer("0123456789abcdef0123456789abcdef", "", time.Hour, time.Minute)
	require.NoError(t, err)
	return i
}

func sessionRouter(tokens *auth.Issuer) *gin.Engine {
	r := gin.New()
	echo := func(c *gin.Context) {
		caller, ok := CallerFrom(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.JSON(http.StatusOK, gin.H{"participant": caller.ParticipantID, "role": caller.Role})
	}
	r.GET("/sessions/:sessionId/status", SessionAuth(tokens), echo)
	r.GET("/ws", SessionAuth(tokens), echo)
	return r
}

func TestSessionAuth(t *testing.T) {
	tokens := issuer(t)
	r := sessionRouter(tokens)
	token, _, err := tokens.IssueSession(&models.Participant{ID: "p1", SessionID: "s1", Role: models.RoleB})
	require.NoError(t, err)
	grant, _, err := tokens.IssueGrant("f1", "s1", "p1")
	require.NoError(t, err)

	cases := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"bearer header", "/sessions/s1/status", "Bearer " + token, http.StatusOK},
		{"query token", "/ws?token=" + token, "", http.StatusOK},
		{"missing", "/sessions/s1/status", "", http.StatusUnauthorized},
		{"not bearer", "/sessions/s1/status", "Basic " + token, http.StatusUnauthorized},
		{"download grant", "/sessions/s1/status", "Bearer " + grant, http.StatusUnauthorized},
		{"other session", "/sessions/s2/status", "Bearer " + token, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
			if tc.want == http.StatusUnauthorized {
				assert.JSONEq(t, `{"error":"invalid token"}`, w.Body.String())
			}
			if tc.want == http.StatusOK {
				assert.JSONEq(t, `{"participant":"p1","role":"B"}`, w.Body.String())
			}
		})
	}
}

// payloadKeySet accepts any signature; signature checks belong to go-oidc.
type payloadKeySet struct{}

func (payloadKeySet) VerifySignature(_ context.Context, jwt string) ([]byte, error) {
	parts := strings.Split(jwt, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

func idToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	body, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(body) + "." + base64.RawURLEncoding.EncodeToString([]byte("sig"))
}

func TestRequireAuth(t *testing.T) {
	const iss = "https://id.example"
	verifier := oidc.NewVerifier(iss, payloadKeySet{}, &oidc.Config{ClientID: "fileswap"})

	r := gin.New()
	r.POST("/sessions", RequireAuth(verifier, zap.NewNop()), func(c *gin.Context) {
		c.String(http.StatusCreated, CreatorFrom(c))
	})

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/sessions", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	valid := idToken(t, map[string]any{"iss": iss, "aud": "fileswap", "sub": "user-7", "exp": time.Now().Add(time.Hour).Unix()})
	w := do("Bearer " + valid)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "user-7", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do(valid).Code)

	wrongAud := idToken(t, map[string]any{"iss": iss, "aud": "other", "sub": "user-7", "exp": time.Now().Add(time.Hour).Unix()})
	assert.Equal(t, http.StatusUnauthorized, do("Bearer "+wrongAud).Code)

	expired := idToken(t, map[string]any{"iss": iss, "aud": "fileswap", "sub": "user-7", "exp": time.Now().Add(-time.Hour).Unix()})
	assert.Equal(t, http.StatusUnauthorized, do("Bearer "+expired).Code)
}

func TestRecover(t *testing.T) {
	r := gin.New()
	r.Use(Recover(zap.NewNop()), Logging(zap.NewNop()))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
