package session

import (
	"strconv"

	"github.com/golang-jwt/jwt/v5"
)

// identityFromToken reads user claims from the access token without verifying
// it; the API is the verifier. Anything missing falls back to the login email.
func identityFromToken(accessToken, email string) User {
	user := User{Email: email}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return user
	}

	switch v := claims["user_id"].(type) {
	case float64:
		user.ID = int64(v)
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			user.ID = id
		}
	}
	if user.ID == 0 {
		if sub, err := claims.GetSubject(); err == nil {
			if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
				user.ID = id
			}
		}
	}
	if nick, ok := claims["nickname"].(string); ok {
		user.Nickname = nick
	}
	if e, ok := claims["email"].(string); ok && e != "" {
		user.Email = e
	}
	return user
}
