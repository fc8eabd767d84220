// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// tokenProvider validates one known token.
type tokenProvider struct {
	token     string
	principal *Principal
	err       error
}

func (p *tokenProvider) Validate(_ context.Context, token string) (*Principal, error) {
	if p.err != nil {
		return nil, p.err
	}
	if token != p.token {
		return nil, ErrUnauthorized
	}
	return p.principal, nil
}

func authRouter(provider Provider) *gin.Engine {
	r := gin.New()
	r.GET("/whoami", Auth(provider), func(c *gin.Context) {
		p := GetPrincipal(c)
		if p == nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no principal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"user_id": p.UserID})
	})
	return r
}

func TestAuth_ValidToken(t *testing.T) {
	r := authRouter(&tokenProvider{
		token:     "secret",
		principal: &Principal{UserID: "alice"},
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer secret")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"alice"`)
}

func TestAuth_InvalidToken(t *testing.T) {
	r := authRouter(&tokenProvider{token: "secret"})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ProviderFailure(t *testing.T) {
	r := authRouter(&tokenProvider{err: errors.New("idp unreachable")})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer anything")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "authentication failed")
}

func TestAuth_StaticProviderNeedsNoHeader(t *testing.T) {
	r := authRouter(&StaticProvider{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user_id":"local-user"`)
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"well formed", "Bearer tok123", "tok123"},
		{"lowercase scheme", "bearer tok123", "tok123"},
		{"missing header", "", ""},
		{"wrong scheme", "Basic dXNlcg==", ""},
		{"scheme only", "Bearer", ""},
		{"padded token", "Bearer   tok123  ", "tok123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

func TestPrincipal_CanAccess(t *testing.T) {
	unrestricted := &Principal{UserID: "root", AllWorkspaces: true}
	assert.True(t, unrestricted.CanAccess("ws1"))
	assert.True(t, unrestricted.CanAccess("anything"))

	scoped := &Principal{UserID: "alice", Workspaces: []string{"ws1", "ws2"}}
	assert.True(t, scoped.CanAccess("ws1"))
	assert.False(t, scoped.CanAccess("ws3"))

	none := &Principal{UserID: "bob"}
	assert.False(t, none.CanAccess("ws1"))
}

func TestGetPrincipal_Unauthenticated(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetPrincipal(c))
}
