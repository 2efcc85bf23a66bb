package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrEmptySecret = errors.New("authorization secret is empty")
	ErrStaleSalt   = errors.New("salt is malformed or expired")
)

const saltBytes = 16

// Service issues and verifies authorization tokens. A token binds one
// (salt, channel, subject) triple to the process secret; the subject is a
// client id for handshakes and a broadcast id for relayed updates.
//
// The secret is fixed at construction and never leaves the process.
type Service struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewService creates a token service. A ttl of zero disables salt expiry.
func NewService(secret []byte, ttl time.Duration) (*Service, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Service{secret: key, ttl: ttl, now: time.Now}, nil
}

// Issue returns the hex signature for the triple.
func (s *Service) Issue(salt, channel, subject string) string {
	return s.Sign(encodeFields(salt, channel, subject))
}

// Verify recomputes the signature and compares in constant time.
func (s *Service) Verify(salt, channel, subject, signature string) bool {
	expected := s.Issue(salt, channel, subject)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign returns the hex HMAC-SHA256 of message under the service secret.
func (s *Service) Sign(message string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// NewSalt mints a salt for one handshake. Salts carry their issue time so
// CheckSalt can bound their lifetime.
func (s *Service) NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random salt: %w", err)
	}
	return strconv.FormatInt(s.now().Unix(), 10) + "." + hex.EncodeToString(buf), nil
}

// CheckSalt rejects salts that are malformed or older than the ttl.
func (s *Service) CheckSalt(salt string) error {
	if s.ttl <= 0 {
		if salt == "" {
			return ErrStaleSalt
		}
		return nil
	}
	stamp, random, ok := strings.Cut(salt, ".")
	if !ok || random == "" {
		return ErrStaleSalt
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return ErrStaleSalt
	}
	issued := time.Unix(secs, 0)
	age := s.now().Sub(issued)
	// Allow a little clock skew between relay and server.
	if age > s.ttl || age < -time.Minute {
		return ErrStaleSalt
	}
	return nil
}

// encodeFields length-prefixes every field so distinct triples never
// produce the same message.
func encodeFields(fields ...string) string {
	var sb strings.Builder
	var n [binary.MaxVarintLen64]byte
	for _, f := range fields {
		l := binary.PutUvarint(n[:], uint64(len(f)))
		sb.Write(n[:l])
		sb.WriteString(f)
	}
	return sb.String()
}
