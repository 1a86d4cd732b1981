package internal

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"spotthebot/internal/fault"
	"spotthebot/internal/invitation"
	"spotthebot/internal/user"
)

const sessionLength = 24 * time.Hour

func Register(inv *invitation.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
			return
		}
		if req.SecretName == "" || req.PublicName == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fill all fields"})
			return
		}

		u, err := inv.Register(c.Request.Context(), req.Invitation, user.NewUser{
			SecretName: req.SecretName,
			PublicName: req.PublicName,
			Face:       req.Face,
		})
		if errors.Is(err, fault.ErrUserExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "name already taken"})
			return
		}
		if err != nil {
			fail(c, err)
			return
		}
		logAction(c, u.ID, "register", zap.Int64("invited_by", u.InvitedBy))
		c.JSON(http.StatusOK, gin.H{"ok": true, "id": u.ID, "invited_by": u.InvitedBy})
	}
}

func Login(users *user.Store, secret string, cookieSecure bool, isAdmin func(int64) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad json"})
			return
		}

		u, err := users.GetBySecretName(c.Request.Context(), req.SecretName)
		if fault.IsErrNotFound(err) || fault.IsErrInvalid(err) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if err != nil {
			fail(c, err)
			return
		}

		role := roleUser
		if isAdmin(u.ID) {
			role = roleAdmin
		}
		now := time.Now()
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
			UserID: u.ID,
			Role:   role,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(now.Add(sessionLength)),
				IssuedAt:  jwt.NewNumericDate(now),
				Issuer:    "spotthebot",
			},
		})
		s, err := tok.SignedString([]byte(secret))
		if err != nil {
			fail(c, err)
			return
		}

		c.SetCookie(cookieName, s, int(sessionLength.Seconds()), "/", "", cookieSecure, true)
		logAction(c, u.ID, "login", zap.String("role", role))
		c.JSON(http.StatusOK, gin.H{"ok": true, "id": u.ID})
	}
}

func Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.SetCookie(cookieName, "", -1, "/", "", false, true)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
