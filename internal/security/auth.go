package security

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"

	"github.com/chirino/openmemory-service/internal/config"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "userID"
	// ContextKeyClientID is the gin context key for the client application ID.
	ContextKeyClientID = "clientID"
	// ContextKeyIsAdmin is the gin context key for admin authorization.
	ContextKeyIsAdmin = "isAdmin"
)

// Identity holds the resolved caller identity from a bearer token.
type Identity struct {
	UserID   string
	ClientID string
	IsAdmin  bool
}

// TokenResolver resolves bearer tokens to caller identities. It is
// initialized once at startup and shared by all transports.
type TokenResolver struct {
	verifier     *oidc.IDTokenVerifier
	apiKeys      map[string]string
	adminClients map[string]bool
	testingMode  bool
}

// NewTokenResolver creates a TokenResolver from the application config. It
// performs one-time OIDC provider discovery if OIDCIssuer is configured.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	var verifier *oidc.IDTokenVerifier
	oidcIssuer := cfg.OIDCIssuer

	if oidcIssuer != "" {
		ctx := context.Background()
		expectedIssuer := oidcIssuer // preserve the configured issuer for token validation
		discoveryURL := cfg.OIDCDiscoveryURL
		if discoveryURL != "" && discoveryURL != oidcIssuer {
			// Discovery URL differs from issuer (e.g. internal Docker hostname
			// vs external URL). NewProvider fetches from its issuer arg, so
			// pass the discovery URL there. InsecureIssuerURLContext tells
			// NewProvider to accept a mismatched issuer in the discovery
			// document.
			ctx = oidc.InsecureIssuerURLContext(ctx, oidcIssuer)
			oidcIssuer = discoveryURL
		}
		provider, err := oidc.NewProvider(ctx, oidcIssuer)
		if err != nil {
			log.Error("Failed to initialize OIDC provider; falling back to API key auth", "issuer", oidcIssuer, "err", err)
		} else {
			// When the discovery URL differs from the configured issuer the
			// provider stores the discovery document's issuer. Tokens carry
			// the external issuer, so build the verifier against that one.
			var providerClaims struct {
				JWKSURI string `json:"jwks_uri"`
			}
			if expectedIssuer != oidcIssuer {
				if err := provider.Claims(&providerClaims); err == nil && providerClaims.JWKSURI != "" {
					keySet := oidc.NewRemoteKeySet(ctx, providerClaims.JWKSURI)
					verifier = oidc.NewVerifier(expectedIssuer, keySet, &oidc.Config{
						SkipClientIDCheck: true,
					})
				}
			}
			if verifier == nil {
				verifier = provider.Verifier(&oidc.Config{
					SkipClientIDCheck: true,
				})
			}
			log.Info("OIDC auth enabled", "issuer", expectedIssuer)
		}
	}

	return &TokenResolver{
		verifier:     verifier,
		apiKeys:      cfg.APIKeys,
		adminClients: splitCSV(cfg.AdminClients),
		testingMode:  cfg.Mode == config.ModeTesting,
	}
}

var (
	errInvalidJWT      = errors.New("invalid JWT")
	errMissingIdentity = errors.New("JWT missing identity claims")
)

// Resolve resolves a bearer token (and optional API key / client ID header)
// into a caller Identity. bearerToken is the raw token value without the
// "Bearer " prefix; apiKey is the X-API-Key header; clientIDHeader is the
// X-Client-ID header, honored only in testing mode.
func (r *TokenResolver) Resolve(ctx context.Context, bearerToken, apiKey, clientIDHeader string) (*Identity, error) {
	var userID string
	var clientID string

	if xAPIKey := strings.TrimSpace(apiKey); xAPIKey != "" {
		if resolved, ok := r.apiKeys[xAPIKey]; ok {
			clientID = resolved
		} else {
			log.Warn("Received invalid API key")
		}
	}

	if r.testingMode {
		if hdr := strings.TrimSpace(clientIDHeader); hdr != "" && clientID == "" {
			clientID = hdr
		}
	}

	// If OIDC is configured and the token looks like a JWT (has dots), verify it.
	if r.verifier != nil && strings.Count(bearerToken, ".") >= 2 {
		idToken, err := r.verifier.Verify(ctx, bearerToken)
		if err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}

		var claims struct {
			Sub               string `json:"sub"`
			PreferredUsername string `json:"preferred_username"`
		}
		if err := idToken.Claims(&claims); err != nil {
			return nil, errors.Join(errInvalidJWT, err)
		}
		userID = claims.PreferredUsername
		if userID == "" {
			userID = claims.Sub
		}
		if userID == "" {
			return nil, errMissingIdentity
		}
	} else {
		// API key mode: treat the token as the user ID directly.
		userID = bearerToken
	}

	return &Identity{
		UserID:   userID,
		ClientID: clientID,
		IsAdmin:  clientID != "" && r.adminClients[clientID],
	}, nil
}

// --- Gin HTTP middleware ---

// GetUserID returns the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// GetClientID returns the client application ID from the gin context.
func GetClientID(c *gin.Context) string {
	return c.GetString(ContextKeyClientID)
}

// IsAdmin returns true if the request is from an admin client.
func IsAdmin(c *gin.Context) bool {
	v, _ := c.Get(ContextKeyIsAdmin)
	b, _ := v.(bool)
	return b
}

// AuthMiddleware returns a gin middleware that extracts user identity from
// the Authorization header using the provided TokenResolver.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		id, err := resolver.Resolve(
			c.Request.Context(),
			token,
			c.GetHeader("X-API-Key"),
			c.GetHeader("X-Client-ID"),
		)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(ContextKeyUserID, id.UserID)
		if id.ClientID != "" {
			c.Set(ContextKeyClientID, id.ClientID)
		}
		c.Set(ContextKeyIsAdmin, id.IsAdmin)
		c.Next()
	}
}

// RequireAdmin requires the caller to be an admin client.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// --- helpers ---

func splitCSV(raw string) map[string]bool {
	result := map[string]bool{}
	for _, part := range strings.Split(raw, ",") {
		item := strings.TrimSpace(part)
		if item == "" {
			continue
		}
		result[item] = true
	}
	return result
}
