// Package turnrest issues coturn-compatible ephemeral TURN credentials and
// attaches them to the ICE server list handed to paired devices.
//
// Algorithm (draft-uberti-behave-turn-rest, as implemented by coturn):
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// unix_expiry is now (UTC) plus the TTL.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be at least one second")
	ErrMissingPrefix = errors.New("turnrest: username prefix is required")
	ErrColonInField  = errors.New("turnrest: username fields must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	Now func() time.Time
	// NewSubject names credentials requested without a device id.
	NewSubject func() string
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

type Generator struct {
	secret     []byte
	ttl        int64
	prefix     string
	now        func() time.Time
	newSubject func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	switch {
	case cfg.SharedSecret == "":
		return nil, ErrMissingSecret
	case cfg.TTL < time.Second:
		return nil, ErrInvalidTTL
	case cfg.UsernamePrefix == "":
		return nil, ErrMissingPrefix
	case strings.Contains(cfg.UsernamePrefix, ":"):
		return nil, ErrColonInField
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSubject == nil {
		cfg.NewSubject = uuid.NewString
	}
	return &Generator{
		secret:     []byte(cfg.SharedSecret),
		ttl:        int64(cfg.TTL / time.Second),
		prefix:     cfg.UsernamePrefix,
		now:        cfg.Now,
		newSubject: cfg.NewSubject,
	}, nil
}

// Generate signs credentials for subject. An empty subject gets a random one.
func (g *Generator) Generate(subject string) (Credentials, error) {
	if subject == "" {
		subject = g.newSubject()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, ErrColonInField
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
