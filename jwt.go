package pair

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// the session token identifies the user to the realtime store. the
// store verifies the signature server-side; the client only needs the
// claims, so parsing here is unverified.
type SessionToken struct {
	UserId      Id
	DisplayName string
}

func ParseSessionTokenUnverified(jwt string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			sessionToken.UserId = userId
		} else {
			return nil, err
		}
	} else {
		return nil, errors.New("token missing user_id claim")
	}
	if displayName, ok := claims["display_name"].(string); ok {
		sessionToken.DisplayName = displayName
	}

	return sessionToken, nil
}
