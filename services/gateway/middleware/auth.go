// Copyright (C) 2026 QueryLoom Labs (dev@queryloom.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the gateway service.
//
// # Authentication Flow
//
// The auth middleware extracts a bearer token from the Authorization
// header, validates it through the configured Provider, and stores the
// resulting Principal in the Gin context for downstream handlers.
//
// The default StaticProvider authenticates every request as a local
// user with access to all workspaces, which keeps single-node
// deployments working with no identity infrastructure. Production
// deployments plug in a real Provider.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ErrUnauthorized is returned by providers for invalid tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is the authenticated caller identity.
type Principal struct {
	UserID string
	// Workspaces lists workspace ids the caller may query. Empty with
	// AllWorkspaces set means unrestricted.
	Workspaces    []string
	AllWorkspaces bool
}

// CanAccess reports whether the principal may use the workspace.
func (p *Principal) CanAccess(workspaceID string) bool {
	if p.AllWorkspaces {
		return true
	}
	for _, w := range p.Workspaces {
		if w == workspaceID {
			return true
		}
	}
	return false
}

// Provider validates bearer tokens.
type Provider interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// StaticProvider authenticates every request as one fixed local user.
type StaticProvider struct {
	UserID string
}

func (p *StaticProvider) Validate(_ context.Context, _ string) (*Principal, error) {
	userID := p.UserID
	if userID == "" {
		userID = "local-user"
	}
	return &Principal{UserID: userID, AllWorkspaces: true}, nil
}

const principalKey = "queryloom_principal"

// GetPrincipal retrieves the authenticated principal from the Gin
// context, or nil when the request was not authenticated.
func GetPrincipal(c *gin.Context) *Principal {
	if v, exists := c.Get(principalKey); exists {
		if p, ok := v.(*Principal); ok {
			return p
		}
	}
	return nil
}

// Auth returns middleware that authenticates each request via provider
// and stores the Principal for handlers.
func Auth(provider Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)

		principal, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// extractBearerToken parses "Authorization: Bearer <token>". Returns
// empty string when the header is missing or malformed; the provider
// decides whether that is acceptable.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
