package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"google.golang.org/api/idtoken"
)

var ErrInvalidGoogleToken = errors.New("invalid Google ID token")

// googleNamespace scopes the UUIDs derived from Google subject ids.
var googleNamespace = uuid.MustParse("6f1c1f8e-3b0a-5d35-9a57-0c2e4f8d7b21")

// GoogleUserID maps a Google account id onto a stable user UUID.
func GoogleUserID(sub string) uuid.UUID {
	return uuid.NewSHA1(googleNamespace, []byte("google:"+sub))
}

type idTokenValidateFunc func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// GoogleTokenValidator accepts Google ID tokens issued to one of the
// configured OAuth client ids.
type GoogleTokenValidator struct {
	clientIDs []string
	validate  idTokenValidateFunc
	timeout   time.Duration
}

// NewGoogleTokenValidator creates a validator for the given client ids
func NewGoogleTokenValidator(clientIDs []string) *GoogleTokenValidator {
	return &GoogleTokenValidator{
		clientIDs: clientIDs,
		validate:  idtoken.Validate,
		timeout:   5 * time.Second,
	}
}

// IsConfigured returns true if at least one client id is set
func (v *GoogleTokenValidator) IsConfigured() bool {
	for _, id := range v.clientIDs {
		if id != "" {
			return true
		}
	}
	return false
}

// ValidateAccessToken verifies a Google ID token against each client id in
// turn and returns claims for the derived user.
func (v *GoogleTokenValidator) ValidateAccessToken(token string) (*Claims, error) {
	ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
	defer cancel()

	for _, clientID := range v.clientIDs {
		if clientID == "" {
			continue
		}
		payload, err := v.validate(ctx, token, clientID)
		if err == nil {
			return claimsFromGoogle(payload)
		}
	}
	return nil, ErrInvalidGoogleToken
}

func claimsFromGoogle(payload *idtoken.Payload) (*Claims, error) {
	if payload == nil || payload.Subject == "" {
		return nil, ErrInvalidGoogleToken
	}
	email, _ := payload.Claims["email"].(string)
	return &Claims{
		UserID: GoogleUserID(payload.Subject),
		Email:  email,
		Role:   RoleAuthenticated,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    payload.Issuer,
			Subject:   payload.Subject,
			Audience:  jwt.ClaimStrings{payload.Audience},
			ExpiresAt: jwt.NewNumericDate(time.Unix(payload.Expires, 0)),
			IssuedAt:  jwt.NewNumericDate(time.Unix(payload.IssuedAt, 0)),
		},
	}, nil
}

// AccessTokenValidator is anything that can turn a bearer token into claims.
type AccessTokenValidator interface {
	ValidateAccessToken(token string) (*Claims, error)
}

// ChainValidator tries each validator in order and accepts the first match.
type ChainValidator []AccessTokenValidator

func (c ChainValidator) ValidateAccessToken(token string) (*Claims, error) {
	err := ErrInvalidToken
	for _, v := range c {
		claims, vErr := v.ValidateAccessToken(token)
		if vErr == nil {
			return claims, nil
		}
		// An expired but otherwise valid token is the more useful answer.
		if errors.Is(vErr, ErrExpiredToken) {
			err = vErr
		}
	}
	return nil, err
}
