package identity

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haasonsaas/livechat/pkg/models"
)

// ProfileClaims are the customer claims the client reads from its credential.
type ProfileClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone_number,omitempty"`
	jwt.RegisteredClaims
}

// FromCredential extracts the customer identity carried by a JWT credential.
// The signature is not checked: the server verifies the credential on every
// request, the client only needs the display fields.
func FromCredential(token string) (models.Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	if token == "" {
		return models.Identity{}, fmt.Errorf("parse credential: empty token")
	}

	claims := &ProfileClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return models.Identity{}, fmt.Errorf("parse credential: %w", err)
	}

	identity := models.Identity{
		Role:        models.RoleCustomer,
		DisplayName: claims.Name,
	}
	if claims.Email != "" || claims.Phone != "" {
		identity.Profile = &models.ProfileRef{Email: claims.Email, Phone: claims.Phone}
	}
	if identity.DisplayName == "" {
		switch {
		case claims.Email != "":
			identity.DisplayName = claims.Email
		case claims.Subject != "":
			identity.DisplayName = claims.Subject
		}
	}
	return identity, nil
}
