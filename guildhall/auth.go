package guildhall

import (
	"context"
	"errors"
	"fmt"
	"github.com/gorilla/securecookie"
	"gorm.io/gorm"
	"strings"
	"time"
)

const authTokenName = "guildhall_token"

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

// Account is an admin API login.
type Account struct {
	ModelUintID
	ModelUnixTime
	Username     string `json:"username" gorm:"size:191;uniqueIndex;not null"`
	PasswordHash string `json:"-" gorm:"not null" log:"[redacted]"`
	Admin        bool   `json:"admin"`
}

// AuthSession is the signed content of a bearer token or session cookie.
type AuthSession struct {
	Username string `json:"username"`
	Admin    bool   `json:"admin"`
	IssuedAt int64  `json:"issued_at"`
}

// AuthService issues and verifies API tokens for accounts.
type AuthService struct {
	db     DBI
	codec  *securecookie.SecureCookie
	maxAge time.Duration
	now    func() time.Time
}

func NewAuthService(db DBI, secret string, maxAge time.Duration) *AuthService {
	key := derive64ByteKey(secret)
	codec := securecookie.New(key[:32], key[32:])
	codec.SetSerializer(securecookie.JSONEncoder{})
	codec.MaxAge(int(maxAge.Seconds()))
	return &AuthService{db: db, codec: codec, maxAge: maxAge, now: time.Now}
}

// IssueToken returns a signed token for the session.
func (a *AuthService) IssueToken(session AuthSession) (string, error) {
	if session.IssuedAt == 0 {
		session.IssuedAt = a.now().Unix()
	}
	return a.codec.Encode(authTokenName, session)
}

// ParseToken verifies the token's signature and age.
func (a *AuthService) ParseToken(token string) (*AuthSession, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	var session AuthSession
	if err := a.codec.Decode(authTokenName, token, &session); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if session.Username == "" {
		return nil, ErrInvalidToken
	}
	issued := time.Unix(session.IssuedAt, 0)
	if a.maxAge > 0 && a.now().Sub(issued) > a.maxAge {
		return nil, fmt.Errorf("%w: expired", ErrInvalidToken)
	}
	return &session, nil
}

// Authenticate checks the username and password, returning a new session.
func (a *AuthService) Authenticate(
	ctx context.Context,
	username string,
	password string,
) (*AuthSession, error) {
	var account Account
	err := a.db.DB().WithContext(ctx).Where("username = ?", username).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	valid, err := verifyPassword(account.PasswordHash, password)
	if err != nil {
		return nil, fmt.Errorf("error verifying password: %w", err)
	}
	if !valid {
		return nil, ErrInvalidCredentials
	}
	return &AuthSession{
		Username: account.Username,
		Admin:    account.Admin,
		IssuedAt: a.now().Unix(),
	}, nil
}

// CreateAccount stores a new account with a hashed password.
func (a *AuthService) CreateAccount(
	ctx context.Context,
	username string,
	password string,
	admin bool,
) (*Account, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, errors.New("username and password are required")
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("error hashing password: %w", err)
	}
	account := &Account{Username: username, PasswordHash: hash, Admin: admin}
	if _, err = a.db.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("error creating account: %w", err)
	}
	return account, nil
}
