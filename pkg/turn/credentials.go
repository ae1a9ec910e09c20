// Package turn issues time-limited TURN credentials in the coturn
// "use-auth-secret" format.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strconv"
	"time"

	"peerlink/internal/core/domain"
)

// DefaultTTL is how long issued credentials stay valid.
const DefaultTTL = 4 * time.Hour

// Issuer signs credentials with a secret shared with the TURN server.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue returns credentials whose username is the expiry as a decimal unix
// timestamp and whose password is base64(HMAC-SHA1(secret, username)).
func (i *Issuer) Issue() domain.TurnCredentials {
	expiry := i.now().Add(i.ttl).Unix()
	username := strconv.FormatInt(expiry, 10)

	mac := hmac.New(sha1.New, i.secret)
	mac.Write([]byte(username))

	return domain.TurnCredentials{
		Username: username,
		Password: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}
}

// Valid reports whether creds were issued with this secret and have not
// yet expired.
func (i *Issuer) Valid(creds domain.TurnCredentials) bool {
	expiry, err := strconv.ParseInt(creds.Username, 10, 64)
	if err != nil || i.now().Unix() > expiry {
		return false
	}

	mac := hmac.New(sha1.New, i.secret)
	mac.Write([]byte(creds.Username))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(creds.Password))
}
