package auth

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is how long a login token stays valid.
const DefaultTokenTTL = 12 * time.Hour

const issuer = "hashvisor"

// Config configures a Service.
type Config struct {
	Users []User
	// JWTSecret signs login tokens. When empty a random secret is drawn,
	// so tokens do not survive a restart.
	JWTSecret string
	TokenTTL  time.Duration
}

// Claims are the JWT claims of a login token.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Service checks credentials against the configured users.
type Service struct {
	users     map[string]User
	jwtSecret []byte
	tokenTTL  time.Duration
	now       func() time.Time
	// compared against for unknown users
	dummyHash []byte
}

// NewService validates the users and prepares the token secret.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Users) == 0 {
		return nil, fmt.Errorf("auth: at least one user is required")
	}
	users := make(map[string]User, len(cfg.Users))
	for _, u := range cfg.Users {
		if strings.TrimSpace(u.Username) == "" {
			return nil, fmt.Errorf("auth: user without a name")
		}
		if _, dup := users[u.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		if _, err := ParseRole(string(u.Role)); err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", u.Username, err)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("auth: user %q: password_hash is not a bcrypt hash: %w", u.Username, err)
		}
		users[u.Username] = u
	}
	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("auth: generate secret: %w", err)
		}
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(issuer), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	return &Service{users: users, jwtSecret: secret, tokenTTL: ttl, now: time.Now, dummyHash: dummy}, nil
}

// HashPassword returns the bcrypt hash to store in the configuration.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AuthenticateBasic checks a username and password.
func (s *Service) AuthenticateBasic(username, password string) (Result, error) {
	u, ok := s.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		return Result{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: u.Username, Role: u.Role}, nil
}

// Login exchanges credentials for a signed token.
func (s *Service) Login(req LoginRequest) (Token, error) {
	res, err := s.AuthenticateBasic(req.Username, req.Password)
	if err != nil {
		return Token{}, err
	}
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &Claims{
		Role: res.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   res.Username,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return Token{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: signed, ExpiresAt: expiresAt}, nil
}

// AuthenticateToken validates a bearer token. The user must still exist;
// the role is taken from the current configuration.
func (s *Service) AuthenticateToken(tokenString string) (Result, error) {
	if tokenString == "" {
		return Result{}, ErrInvalidCredentials
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return Result{}, ErrInvalidCredentials
	}
	u, ok := s.users[claims.Subject]
	if !ok {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Username: u.Username, Role: u.Role}, nil
}
