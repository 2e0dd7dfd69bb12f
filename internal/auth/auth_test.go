package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hewenyu/kong-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	token, err := BearerToken("Bearer abc.def")
	require.NoError(t, err)
	assert.Equal(t, "abc.def", token)

	token, err = BearerToken("bearer xyz")
	require.NoError(t, err)
	assert.Equal(t, "xyz", token)

	for _, h := range []string{"", "Bearer", "Bearer    ", "Basic dXNlcjpwYXNz", "abc"} {
		_, err := BearerToken(h)
		assert.ErrorIs(t, err, ErrMissingToken, "header=%q", h)
	}
}

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req validateRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		switch req.Token {
		case "editor-token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"subject":"u-1","roles":["editor"]}`))
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHTTPValidator(t *testing.T) {
	server := newAuthServer(t)
	v := NewHTTPValidator(config.AuthConfig{ValidateURL: server.URL + "/validate", Timeout: time.Second}, nil)
	require.NotNil(t, v)

	identity, err := v.Validate(context.Background(), "editor-token")
	require.NoError(t, err)
	assert.Equal(t, "u-1", identity.Subject)
	assert.Equal(t, []string{"editor"}, identity.Roles)

	_, err = v.Validate(context.Background(), "forged")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Validate(context.Background(), "broken")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidToken, "认证服务故障不等同于令牌无效")

	_, err = v.Validate(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewHTTPValidator_Disabled(t *testing.T) {
	assert.Nil(t, NewHTTPValidator(config.AuthConfig{}, nil))
}
