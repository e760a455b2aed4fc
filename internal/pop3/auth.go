package pop3

import (
	"context"
	"errors"

	"github.com/infodancer/auth"
	autherrors "github.com/infodancer/auth/errors"
	_ "github.com/infodancer/auth/passwd"
)

// ErrInvalidCredentials is returned for both bad passwords and unknown
// users so clients cannot enumerate usernames.
var ErrInvalidCredentials = errors.New("invalid credentials")

// AgentAuthenticator adapts an auth.AuthenticationAgent to the
// Authenticator interface.
type AgentAuthenticator struct {
	agent auth.AuthenticationAgent
}

// NewAgentAuthenticator opens a passwd-backed authentication agent.
// passwdPath is the credential file; keysPath is the key storage
// directory.
func NewAgentAuthenticator(passwdPath, keysPath string) (*AgentAuthenticator, error) {
	agent, err := auth.OpenAuthAgent(auth.AuthAgentConfig{
		Type:              "passwd",
		CredentialBackend: passwdPath,
		KeyBackend:        keysPath,
	})
	if err != nil {
		return nil, err
	}
	return &AgentAuthenticator{agent: agent}, nil
}

// Authenticate verifies username and password against the agent.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, username, password string) error {
	_, err := a.agent.Authenticate(ctx, username, password)
	if err != nil {
		if errors.Is(err, autherrors.ErrAuthFailed) || errors.Is(err, autherrors.ErrUserNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}
	return nil
}

// Close releases the underlying agent.
func (a *AgentAuthenticator) Close() error {
	return a.agent.Close()
}
