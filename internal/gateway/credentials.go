package gateway

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/meridian-spaces/relay/internal/session"
)

// Placeholder credential pair used when no chat signing secret is
// configured. Matching the provider contract, the pair is still present so
// downstream chat wiring never sees an empty credential.
const (
	placeholderChatID     = "anonymous"
	placeholderChatSecret = "no-chat-access"
)

// fabricateChatCredentials builds the session's chat-federation credential
// pair. The gateway is the only component permitted to fabricate one: when
// the member-data lookup supplies a pair it is used verbatim; otherwise a
// signed expiring credential is generated if a signing secret is
// configured, and the fixed placeholder pair if not.
func (g *Gateway) fabricateChatCredentials(userID, chatID, chatSecret string) (session.ChatCredentials, error) {
	if chatID != "" && chatSecret != "" {
		return session.ChatCredentials{UserID: chatID, Secret: chatSecret}, nil
	}
	if g.cfg.Provider.ChatSecret == "" {
		return session.ChatCredentials{UserID: placeholderChatID, Secret: placeholderChatSecret}, nil
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(g.cfg.Provider.ChatCredentialTTL)),
	})
	signed, err := token.SignedString([]byte(g.cfg.Provider.ChatSecret))
	if err != nil {
		return session.ChatCredentials{}, err
	}
	return session.ChatCredentials{UserID: userID, Secret: signed}, nil
}
