package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/egor/ecochatserver/models"
)

const (
	RoleAdmin    = "admin"
	RoleCustomer = "customer"

	tokenIssuer = "ecochat-server"
	tokenTTL    = 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrForbidden    = errors.New("admin role required")
)

// JWTClaims is the token body for both agents and storefront customers.
type JWTClaims struct {
	AdminID  string `json:"adminId,omitempty"`
	ClientID string `json:"clientId,omitempty"`
	Role     string `json:"role"`
	UserID   string `json:"userId,omitempty"`
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 tokens issued by the storefront backend.
type Authenticator struct {
	key []byte
	now func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{key: []byte(secret), now: time.Now}
}

// GenerateToken signs claims with a 24h expiry. Token issuance belongs to
// the storefront; this is used by tooling and tests.
func (a *Authenticator) GenerateToken(claims JWTClaims) (string, error) {
	now := a.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(now),
		Issuer:    tokenIssuer,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(a.key)
}

// ValidateToken checks the signature and expiry and returns the claims.
func (a *Authenticator) ValidateToken(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return nil, ErrInvalidToken
	}
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Admin validates an agent token.
func (a *Authenticator) Admin(tokenString string) (*JWTClaims, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Role != RoleAdmin || claims.AdminID == "" {
		return nil, ErrForbidden
	}
	return claims, nil
}

// UserIdentity validates a storefront customer token and returns the
// authenticated identity it names.
func (a *Authenticator) UserIdentity(tokenString string) (models.Identity, error) {
	claims, err := a.ValidateToken(tokenString)
	if err != nil {
		return models.Identity{}, err
	}
	if claims.Role != RoleCustomer || claims.UserID == "" {
		return models.Identity{}, ErrInvalidToken
	}
	return models.UserIdentity(claims.UserID, claims.Email, claims.Name), nil
}

// AuthMiddleware admits requests carrying a valid admin bearer token.
func (a *Authenticator) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		claims, err := a.Admin(authHeader)
		if errors.Is(err, ErrForbidden) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrInvalidToken.Error()})
			return
		}

		c.Set("adminID", claims.AdminID)
		c.Set("clientID", claims.ClientID)
		c.Set("role", claims.Role)
		c.Next()
	}
}
