// Package provider defines the narrow contracts to the relay's external
// collaborators: the identity/token verifier and the member-data lookup.
// Both are consumed through interfaces; this package also carries the
// default implementations the binary wires in.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Identity is the result of verifying a bearer token.
type Identity struct {
	// UserID is the stable identity the token asserts.
	UserID string
	// AccessToken is forwarded to the member-data lookup.
	AccessToken string
}

// ErrTokenInvalid covers malformed or expired tokens.
var ErrTokenInvalid = errors.New("provider: token invalid")

// ErrAccessRefused covers tokens rejected by policy rather than by form.
var ErrAccessRefused = errors.New("provider: access refused")

// TokenVerifier checks a bearer token and extracts the identity it asserts.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// MemberRequest carries everything the member-data lookup needs.
type MemberRequest struct {
	UserIdentifier      string   `json:"userIdentifier"`
	AccessToken         string   `json:"accessToken,omitempty"`
	RoomID              string   `json:"roomId"`
	IPAddress           string   `json:"ipAddress"`
	CharacterTextureIDs []string `json:"characterTextureIds"`
	CompanionTextureID  string   `json:"companionTextureId,omitempty"`
	Locale              string   `json:"locale,omitempty"`
}

// MemberData is the provider's answer for an admitted member.
type MemberData struct {
	Tags              []string `json:"tags"`
	CharacterTextures []string `json:"characterTextures"`
	CompanionTexture  string   `json:"companionTexture,omitempty"`
	// ChatID/ChatSecret are optional; when absent the gateway fabricates a
	// credential pair itself.
	ChatID     string `json:"chatId,omitempty"`
	ChatSecret string `json:"chatSecret,omitempty"`
}

// Error is a structured diagnostic returned by the provider. It is
// distinguished from transport-level failures so the gateway can forward
// the provider's own payload to the client.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Title   string `json:"title"`
	Details string `json:"details"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("provider error %d (%s): %s", e.Status, e.Code, e.Title)
}

// MemberProvider resolves member data for an upgrade attempt. A returned
// *Error is a typed provider diagnostic; any other non-nil error is an
// unknown transport failure.
type MemberProvider interface {
	Fetch(ctx context.Context, req MemberRequest) (MemberData, error)
}

// LocalMemberProvider admits everyone without an external lookup: requested
// textures resolve to themselves and no tags are granted. Used when no
// provider URL is configured.
type LocalMemberProvider struct{}

// Fetch resolves the request locally.
func (LocalMemberProvider) Fetch(_ context.Context, req MemberRequest) (MemberData, error) {
	return MemberData{
		CharacterTextures: append([]string(nil), req.CharacterTextureIDs...),
		CompanionTexture:  req.CompanionTextureID,
	}, nil
}
