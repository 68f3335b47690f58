package api

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// FromHeader returns a GetAccountID function that extracts the account id from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetAccountID function that extracts the account id from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if accountID, ok := r.Context().Value(key).(string); ok {
			return accountID
		}
		return ""
	}
}

// FromJWT returns a GetAccountID function that reads the "sub" claim of an
// HS256 bearer token signed with secret. Invalid or expired tokens yield "".
func FromJWT(secret []byte) func(*http.Request) string {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return func(r *http.Request) string {
		auth := r.Header.Get("Authorization")
		if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
			return ""
		}
		token, err := parser.Parse(strings.TrimSpace(auth[7:]), func(*jwt.Token) (interface{}, error) {
			return secret, nil
		})
		if err != nil || !token.Valid {
			return ""
		}
		sub, err := token.Claims.GetSubject()
		if err != nil {
			return ""
		}
		return sub
	}
}
