package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"echostream/cmd/internal/ids"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access-token payload.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 access tokens.
type TokenManager struct {
	cfg    Config
	secret []byte
	now    func() time.Time
}

// NewTokenManager validates cfg and returns a manager.
func NewTokenManager(cfg Config) (*TokenManager, error) {
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &TokenManager{
		cfg:    cfg,
		secret: []byte(cfg.Secret),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Issue signs a token for the user. It returns the token and its expiry.
func (m *TokenManager) Issue(userID, username string, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(userID) == "" {
		return "", time.Time{}, invalid("auth.Issue", "missing user id")
	}
	if now.IsZero() {
		now = m.now()
	}
	exp := now.Add(m.cfg.TokenTTL)

	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Subject:   userID,
			ID:        ids.MustULID(now),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// Verify parses raw and returns the principal it names.
func (m *TokenManager) Verify(raw string) (Principal, error) {
	const op = "auth.Verify"

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "empty token"}
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Principal{}, OpError{Op: op, Kind: ErrExpiredToken}
		}
		return Principal{}, OpError{Op: op, Kind: ErrInvalidToken}
	}
	if claims.Subject == "" {
		return Principal{}, OpError{Op: op, Kind: ErrInvalidToken, Msg: "missing subject"}
	}

	return Principal{UserID: claims.Subject, Username: claims.Username}, nil
}

// Authenticate resolves the caller from a bearer header or the access cookie.
// A bearer header wins when both are present.
func (m *TokenManager) Authenticate(r *http.Request) (Principal, bool) {
	if m == nil || r == nil {
		return Principal{}, false
	}

	if raw, ok := bearerToken(r); ok {
		p, err := m.Verify(raw)
		return p, err == nil
	}

	c, err := r.Cookie(m.cfg.CookieName)
	if err != nil || c.Value == "" {
		return Principal{}, false
	}
	p, err := m.Verify(c.Value)
	return p, err == nil
}

// SetCookie writes the HTTP-only access cookie.
func (m *TokenManager) SetCookie(w http.ResponseWriter, token string, exp time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    token,
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		Expires:  exp,
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: m.cfg.sameSite(),
	})
}

// ClearCookie expires the access cookie.
func (m *TokenManager) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.cfg.CookieName,
		Value:    "",
		Path:     m.cfg.CookiePath,
		Domain:   m.cfg.CookieDomain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   m.cfg.CookieSecure,
		SameSite: m.cfg.sameSite(),
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(h[7:])
	return tok, tok != ""
}
