package collab

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// identity claims carried in the session token.
// the client does not verify the signature; the server is the verifier.
// parsing here is only to surface the user identity for join requests and
// membership display.
type SessionIdentity struct {
	UserId      string
	Username    string
	DisplayName string
}

type SessionAuth struct {
	ByJwt string
	// one auth can be used by multiple tabs of the same user
	TabId string
}

func (self *SessionAuth) Identity() (*SessionIdentity, error) {
	return ParseSessionJwtUnverified(self.ByJwt)
}

func ParseSessionJwtUnverified(byJwt string) (*SessionIdentity, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, errors.New("bad claims")
	}

	identity := &SessionIdentity{}
	if userId, ok := claims["user_id"].(string); ok {
		identity.UserId = userId
	}
	if username, ok := claims["user_name"].(string); ok {
		identity.Username = username
	}
	if displayName, ok := claims["display_name"].(string); ok {
		identity.DisplayName = displayName
	}
	if identity.Username == "" {
		return nil, errors.New("session token missing user_name")
	}
	return identity, nil
}
