package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/services"
	apperrors "peerlink/pkg/errors"
)

// ContextRoomClaims is the gin context key holding validated *services.RoomClaims.
const ContextRoomClaims = "room_claims"

// RoomTokenMiddleware admits a request to /ws/:room only with a token for
// that room, taken from the token query parameter (browsers cannot set
// headers on websocket upgrades) or a Bearer header. When required is
// false a missing token is allowed but a bad one is still rejected.
func RoomTokenMiddleware(tokens services.RoomTokenService, required bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			if required {
				abortWith(c, apperrors.NewUnauthorizedError("room token required"))
				return
			}
			c.Next()
			return
		}

		claims, err := tokens.Validate(token, domain.RoomID(c.Param("room")))
		switch {
		case errors.Is(err, services.ErrExpiredToken):
			abortWith(c, apperrors.NewTokenExpiredError())
			return
		case err != nil:
			abortWith(c, apperrors.NewUnauthorizedError(err.Error()))
			return
		}

		c.Set(ContextRoomClaims, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}

	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return parts[1]
	}
	return ""
}

func abortWith(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{
		"error":   string(err.Code),
		"message": err.Message,
	})
}
