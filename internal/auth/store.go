package auth

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenFile is the default file name the store keeps its token under.
const TokenFile = "token.yaml"

// StoredToken is the on-disk credential.
type StoredToken struct {
	Token     string `yaml:"token"`
	ExpiresAt int64  `yaml:"expires_at,omitempty"`
	IssuedAt  int64  `yaml:"issued_at,omitempty"`
}

// TokenStore persists a token as YAML. It is also a TokenSource.
type TokenStore struct {
	Dir  string
	File string // defaults to TokenFile
}

func NewTokenStore(dir string) *TokenStore {
	return &TokenStore{Dir: dir, File: TokenFile}
}

// OpenTokenFile uses an explicit token file path.
func OpenTokenFile(path string) *TokenStore {
	return &TokenStore{Dir: filepath.Dir(path), File: filepath.Base(path)}
}

func (s *TokenStore) name() string {
	if s.File == "" {
		return TokenFile
	}
	return s.File
}

// Path is the token file location.
func (s *TokenStore) Path() string {
	return filepath.Join(s.Dir, s.name())
}

func (s *TokenStore) Save(token *StoredToken) error {
	data, err := yaml.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := os.MkdirAll(s.Dir, 0700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	if err := os.WriteFile(s.Path(), data, 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// Load returns nil, nil when no token has been saved.
func (s *TokenStore) Load() (*StoredToken, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read token: %w", err)
	}

	var token StoredToken
	if err := yaml.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	return &token, nil
}

func (s *TokenStore) Delete() error {
	err := os.Remove(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// IsValid reports whether token is usable at now, honoring both the stored
// expires_at and a JWT exp claim.
func (s *TokenStore) IsValid(token *StoredToken, now time.Time) bool {
	if token == nil || token.Token == "" {
		return false
	}
	if token.ExpiresAt != 0 && now.Unix() >= token.ExpiresAt {
		return false
	}
	return Check(token.Token, now) == nil
}

// Token implements TokenSource.
func (s *TokenStore) Token(context.Context) (string, error) {
	tok, err := s.Load()
	if err != nil {
		return "", err
	}
	if tok == nil || tok.Token == "" {
		return "", ErrNoToken
	}
	if !s.IsValid(tok, time.Now()) {
		return "", ErrTokenExpired
	}
	return tok.Token, nil
}
