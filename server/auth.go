/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	// SessionCookie holds the session token.
	SessionCookie = "rolloutgrader_session"
	// DefaultSessionTTL is how long a login lasts.
	DefaultSessionTTL = 12 * time.Hour

	sessionSubject = "rolloutgrader"
)

// ErrBadPassword is returned by Login for a wrong password.
var ErrBadPassword = errors.New("invalid password")

// Auth is a single shared-password gate. Sessions are HS256 JWTs.
type Auth struct {
	hash   []byte
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuth creates an Auth from a bcrypt password hash and a signing secret.
func NewAuth(passwordHash, secret string, ttl time.Duration) (*Auth, error) {
	if _, err := bcrypt.Cost([]byte(passwordHash)); err != nil {
		return nil, fmt.Errorf("password hash is not a bcrypt hash: %w", err)
	}
	if len(secret) < 32 {
		return nil, errors.New("session secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Auth{
		hash:   []byte(passwordHash),
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// Login checks password and returns a signed session token.
func (a *Auth) Login(password string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(password)); err != nil {
		return "", ErrBadPassword
	}
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   sessionSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing session: %w", err)
	}
	return token, nil
}

// Verify checks a session token.
func (a *Auth) Verify(token string) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(sessionSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	return err
}

// Middleware rejects requests without a valid session cookie or bearer token.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := c.Cookie(SessionCookie)
		if err != nil || token == "" {
			token, _ = strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if token == "" {
			fail(c, http.StatusUnauthorized, errors.New("login required"))
			return
		}
		if err := a.Verify(token); err != nil {
			clog.FromContext(c.Request.Context()).With("error", err.Error()).Warn("Rejected session")
			fail(c, http.StatusUnauthorized, errors.New("session is invalid or expired"))
			return
		}
		c.Next()
	}
}

type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	if s.auth == nil {
		c.JSON(http.StatusOK, gin.H{"success": true, "auth_required": false})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	token, err := s.auth.Login(req.Password)
	if errors.Is(err, ErrBadPassword) {
		fail(c, http.StatusUnauthorized, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, token, int(s.auth.ttl.Seconds()), "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, gin.H{"success": true, "auth_required": true})
}

func (s *Server) logout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(SessionCookie, "", -1, "/", "", c.Request.TLS != nil, true)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
