// internal/credentials/credentials.go
package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Cookie names the upstream uses for its session.
const (
	SessionCookieName = "stytch_session"
	TokenCookieName   = "stytch_session_jwt"

	CookieDomain = "you.com"
)

// ErrCredentialParse indicates a credential whose identity could not be established.
var ErrCredentialParse = errors.New("credential parse error")

// parserUnverified decodes tokens without checking the signature. The token is only
// replayed to the upstream, never trusted locally.
var parserUnverified = jwt.NewParser(jwt.WithoutClaimsValidation())

// Credential is the session/token pair extracted from a raw cookie string.
type Credential struct {
	SessionCred string
	AuthToken   string
}

// Cookie is one browser cookie to inject before navigation.
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}

// Parse extracts the session credential and auth token from a raw "Cookie:" header
// value. Missing fields are left empty; Parse never fails.
func Parse(rawCookie string) Credential {
	var cred Credential
	for _, part := range strings.Split(rawCookie, ";") {
		name, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(name) {
		case SessionCookieName:
			cred.SessionCred = strings.TrimSpace(value)
		case TokenCookieName:
			cred.AuthToken = strings.TrimSpace(value)
		}
	}
	return cred
}

// Complete reports whether both halves of the credential are present.
func (c Credential) Complete() bool {
	return c.SessionCred != "" && c.AuthToken != ""
}

// Identity decodes the auth token and returns the user name it carries.
func (c Credential) Identity() (string, error) {
	if !c.Complete() {
		return "", fmt.Errorf("%w: missing %s or %s", ErrCredentialParse, SessionCookieName, TokenCookieName)
	}

	token, _, err := parserUnverified.ParseUnverified(c.AuthToken, jwt.MapClaims{})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredentialParse, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("%w: unexpected claims type", ErrCredentialParse)
	}

	user, ok := claims["user"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: token has no user claim", ErrCredentialParse)
	}
	name, _ := user["name"].(string)
	if name == "" {
		return "", fmt.Errorf("%w: token user claim has no name", ErrCredentialParse)
	}
	return name, nil
}

// SessionCookies returns the cookies that authenticate a browser against the upstream.
func SessionCookies(sessionCred, authToken string) []Cookie {
	mk := func(name, value string) Cookie {
		return Cookie{Name: name, Value: value, Domain: CookieDomain, Path: "/", Secure: true}
	}
	return []Cookie{
		mk(SessionCookieName, sessionCred),
		mk(TokenCookieName, authToken),
		mk("ydc_"+SessionCookieName, sessionCred),
		mk("ydc_"+TokenCookieName, authToken),
	}
}
