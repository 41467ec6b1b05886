package user

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	issuer = "dmchat"

	// Access and refresh tokens share a key; the audience keeps one from
	// standing in for the other.
	accessAudience  = "access"
	refreshAudience = "refresh"

	DefaultRefreshTTL = 7 * 24 * time.Hour
)

type Service struct {
	repo       Store
	jwtSecret  string
	tokenTTL   time.Duration
	refreshTTL time.Duration
}

type MyJWTClaims struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string, tokenTTL time.Duration) *Service {
	if tokenTTL == 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		repo:       repo,
		jwtSecret:  secret,
		tokenTTL:   tokenTTL,
		refreshTTL: DefaultRefreshTTL,
	}
}

// WithRefreshTTL overrides how long refresh tokens live.
func (s *Service) WithRefreshTTL(ttl time.Duration) *Service {
	if ttl != 0 {
		s.refreshTTL = ttl
	}
	return s
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	name := strings.TrimSpace(req.Name)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: invalid email", ErrInvalidInput)
	}
	if len(req.Password) < 6 {
		return nil, fmt.Errorf("%w: password must be at least 6 characters", ErrInvalidInput)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Name:     name,
		Email:    email,
		Password: string(hashedPwd),
	}
	return s.repo.CreateUser(ctx, u)
}

var (
	// ErrBadCredentials hides whether the email or the password was wrong.
	ErrBadCredentials      = errors.New("invalid credentials")
	ErrInvalidRefreshToken = errors.New("invalid or expired refresh token")
)

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(req.Email)))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrBadCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrBadCredentials
	}

	access, err := s.IssueToken(u)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(u, refreshAudience, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	// A new login replaces any refresh token handed out before.
	if err := s.repo.SetRefreshToken(ctx, u.ID, refresh); err != nil {
		return nil, err
	}
	u.RefreshToken = refresh
	return &LoginResponse{AccessToken: access, RefreshToken: refresh, User: u}, nil
}

// Refresh trades a live refresh token for a new access token. The token must
// be the one stored for its user, so a logout or a newer login revokes it.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*LoginResponse, error) {
	claims, err := s.parse(refreshToken, refreshAudience)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRefreshToken, err)
	}
	u, err := s.repo.GetUserByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidRefreshToken
		}
		return nil, err
	}
	if u.RefreshToken == "" || u.RefreshToken != refreshToken {
		return nil, ErrInvalidRefreshToken
	}
	access, err := s.IssueToken(u)
	if err != nil {
		return nil, err
	}
	return &LoginResponse{AccessToken: access, User: u}, nil
}

// Logout revokes the user's refresh token. Access tokens already issued
// stay valid until they expire.
func (s *Service) Logout(ctx context.Context, userID int64) error {
	return s.repo.SetRefreshToken(ctx, userID, "")
}

func (s *Service) IssueToken(u *User) (string, error) {
	return s.sign(u, accessAudience, s.tokenTTL)
}

func (s *Service) sign(u *User, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:   u.ID,
		Name: u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString([]byte(s.jwtSecret))
}

// ValidateToken checks signature, algorithm, issuer, audience and expiry of
// an access token.
func (s *Service) ValidateToken(tokenString string) (int64, string, error) {
	claims, err := s.parse(tokenString, accessAudience)
	if err != nil {
		return 0, "", err
	}
	return claims.ID, claims.Name, nil
}

func (s *Service) parse(tokenString, audience string) (*MyJWTClaims, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(issuer), jwt.WithAudience(audience))

	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.ID <= 0 {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string, excludeID int64) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}
	return s.repo.SearchUsers(ctx, query, excludeID)
}

func (s *Service) Me(ctx context.Context, id int64) (*User, error) {
	return s.repo.GetUserByID(ctx, id)
}

// UpdateImage points the user's profile picture at imageURL.
func (s *Service) UpdateImage(ctx context.Context, userID int64, imageURL string) (*User, error) {
	if strings.TrimSpace(imageURL) == "" {
		return nil, fmt.Errorf("%w: image url is required", ErrInvalidInput)
	}
	return s.repo.UpdateImage(ctx, userID, imageURL)
}
