package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 24 * time.Hour

// Auth guards the mutating routes with HS256 tokens issued by /api/login.
// With no secret configured every route is open.
type Auth struct {
	secret   []byte
	user     string
	passHash []byte
	now      func() time.Time
}

// NewAuth builds the authenticator. passHash is a bcrypt hash of the admin
// password.
func NewAuth(secret, user, passHash string) *Auth {
	return &Auth{
		secret:   []byte(secret),
		user:     user,
		passHash: []byte(passHash),
		now:      time.Now,
	}
}

// Enabled reports whether a signing secret is configured.
func (a *Auth) Enabled() bool {
	return a != nil && len(a.secret) > 0
}

// Claims is the payload embedded in every token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Login checks the credentials and returns a signed token.
func (a *Auth) Login(username, password string) (string, error) {
	if username != a.user || len(a.passHash) == 0 {
		return "", errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passHash, []byte(password)); err != nil {
		return "", errInvalidCredentials
	}
	return a.issue(username)
}

var errInvalidCredentials = errors.New("invalid credentials")

func (a *Auth) issue(username string) (string, error) {
	now := a.now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "cloudmetrics",
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Middleware expects "Authorization: Bearer <jwt>" and stores the username
// in the context under "username".
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			respondMessage(c, http.StatusUnauthorized, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondMessage(c, http.StatusUnauthorized, "Invalid Authorization format, expected: Bearer <token>")
			return
		}

		claims, err := a.parse(parts[1])
		if err != nil {
			respondMessage(c, http.StatusUnauthorized, "Invalid or expired token")
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// handleLogin accepts username + password and returns a signed token.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "..." }
func (s *Server) handleLogin(c *gin.Context) {
	if !s.auth.Enabled() {
		respondMessage(c, http.StatusNotFound, "Authentication is not configured")
		return
	}

	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondMessage(c, http.StatusBadRequest, "username and password required")
		return
	}

	token, err := s.auth.Login(body.Username, body.Password)
	if errors.Is(err, errInvalidCredentials) {
		respondMessage(c, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if err != nil {
		s.respondError(c, err)
		return
	}

	s.log.Info("login", "username", body.Username)
	respondOK(c, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
	})
}
