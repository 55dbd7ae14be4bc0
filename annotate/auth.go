package annotate

import (
	"context"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenFunc returns a bearer token for the viewing session.
// Token acquisition is owned by the auth session provider; this package
// treats it as an opaque async call that can fail.
type TokenFunc func(ctx context.Context) (string, error)

func StaticToken(token string) TokenFunc {
	return func(ctx context.Context) (string, error) {
		return token, nil
	}
}

type BearerClaims struct {
	UserId   string
	UserName string
}

// ParseBearerClaimsUnverified extracts the author identity from a bearer
// token without verifying the signature. The server verifies the token on
// every request; locally the claims only author optimistic entities.
func ParseBearerClaimsUnverified(token string) (*BearerClaims, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	bearerClaims := &BearerClaims{}
	if userId, ok := claims["user_id"].(string); ok {
		bearerClaims.UserId = userId
	} else if sub, ok := claims["sub"].(string); ok {
		bearerClaims.UserId = sub
	}
	if userName, ok := claims["user_name"].(string); ok {
		bearerClaims.UserName = userName
	} else if name, ok := claims["name"].(string); ok {
		bearerClaims.UserName = name
	}

	return bearerClaims, nil
}
