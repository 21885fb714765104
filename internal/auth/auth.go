// Package auth handles registration, password login and bearer tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"taskboard/internal/model"
	"taskboard/internal/storage"
	logx "taskboard/pkg/logx"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

const minPasswordLen = 6

type Config struct {
	Secret     []byte
	TokenTTL   time.Duration
	BcryptCost int // 0 means bcrypt.DefaultCost
}

// Claims is the JWT payload. Subject carries the user id.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// UserStore is the subset of storage.Store used by auth.
type UserStore interface {
	CreateUser(ctx context.Context, u model.User) error
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
}

type Service struct {
	st  UserStore
	cfg Config
	log logx.Logger
	now func() time.Time
}

func New(st UserStore, cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 30 * 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{st: st, cfg: cfg, log: log, now: time.Now}
}

func (s *Service) TokenTTL() time.Duration { return s.cfg.TokenTTL }

type RegisterInput struct {
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (model.User, error) {
	name := strings.TrimSpace(in.FullName)
	email := normalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return model.User{}, fmt.Errorf("%w: full name, email and password are required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return model.User{}, fmt.Errorf("%w: email address is malformed", ErrInvalidInput)
	}
	if len(in.Password) < minPasswordLen {
		return model.User{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cfg.BcryptCost)
	if err != nil {
		return model.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := model.User{
		ID:           uuid.NewString(),
		FullName:     name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    s.now().UTC(),
	}
	if err := s.st.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return model.User{}, ErrEmailTaken
		}
		return model.User{}, fmt.Errorf("create user: %w", err)
	}
	s.log.Info("user registered", logx.String("user_id", u.ID))
	return u, nil
}

// Login checks the password and returns a signed token for the user.
func (s *Service) Login(ctx context.Context, email, password string) (string, model.User, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return "", model.User{}, fmt.Errorf("%w: email and password are required", ErrInvalidInput)
	}
	u, err := s.st.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", model.User{}, ErrInvalidCredentials
		}
		return "", model.User{}, fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", model.User{}, ErrInvalidCredentials
	}
	tok, err := s.IssueToken(u)
	if err != nil {
		return "", model.User{}, err
	}
	s.log.Debug("user logged in", logx.String("user_id", u.ID))
	return tok, u, nil
}

func (s *Service) IssueToken(u model.User) (string, error) {
	now := s.now()
	claims := Claims{
		Name: u.FullName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}

// Verify validates a token and returns the identity it carries.
func (s *Service) Verify(raw string) (model.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Identity{}, ErrInvalidToken
	}
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	})
	if err != nil || !tok.Valid || claims.Subject == "" {
		return model.Identity{}, ErrInvalidToken
	}
	return model.Identity{UserID: claims.Subject, FullName: claims.Name}, nil
}

// Resolve verifies a token and confirms the user still exists.
func (s *Service) Resolve(ctx context.Context, raw string) (model.Identity, error) {
	id, err := s.Verify(raw)
	if err != nil {
		return model.Identity{}, err
	}
	u, err := s.st.GetUser(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Identity{}, ErrInvalidToken
		}
		return model.Identity{}, fmt.Errorf("load user: %w", err)
	}
	return model.Identity{UserID: u.ID, FullName: u.FullName}, nil
}

func normalizeEmail(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
