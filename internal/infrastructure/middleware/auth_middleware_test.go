package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerlink/internal/core/services"
)

func newTokenRouter(tokens services.RoomTokenService, required bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws/:room", RoomTokenMiddleware(tokens, required), func(c *gin.Context) {
		_, ok := c.Get(ContextRoomClaims)
		c.JSON(http.StatusOK, gin.H{"claims": ok})
	})
	return router
}

func TestRoomTokenMiddleware(t *testing.T) {
	tokens := services.NewRoomTokenService("secret", time.Hour)
	token, _, err := tokens.Issue("abcd-efgh-ijkl")
	require.NoError(t, err)

	tests := []struct {
		name     string
		required bool
		path     string
		header   string
		want     int
		body     string
	}{
		{"query token", true, "/ws/abcd-efgh-ijkl?token=" + token, "", http.StatusOK, `"claims":true`},
		{"bearer token", true, "/ws/abcd-efgh-ijkl", "Bearer " + token, http.StatusOK, `"claims":true`},
		{"missing required", true, "/ws/abcd-efgh-ijkl", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"missing optional", false, "/ws/abcd-efgh-ijkl", "", http.StatusOK, `"claims":false`},
		{"other room", false, "/ws/wxyz-wxyz-wxyz?token=" + token, "", http.StatusUnauthorized, "another room"},
		{"garbage", false, "/ws/abcd-efgh-ijkl?token=abc", "", http.StatusUnauthorized, "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTokenRouter(tokens, tt.required)
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), tt.body)
		})
	}
}

func TestRoomTokenMiddleware_Expired(t *testing.T) {
	tokens := services.NewRoomTokenService("secret", -time.Minute)
	token, _, err := tokens.Issue("abcd-efgh-ijkl")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	newTokenRouter(tokens, true).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/abcd-efgh-ijkl?token="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_EXPIRED")
}
