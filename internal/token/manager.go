// Package token guarantees callers a currently-valid access token for a
// node, refreshing and re-persisting credentials when the cached token is
// at or near expiry.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/stashpool/stashpool/internal/provider"
	"github.com/stashpool/stashpool/internal/storage"
	"github.com/stashpool/stashpool/internal/vault"
)

// ExpiryBuffer is how close to expiry a cached token may be before it is
// refreshed instead of handed out.
const ExpiryBuffer = 5 * time.Minute

var (
	// ErrNodeInactive means the node is disabled and must be skipped.
	ErrNodeInactive = errors.New("token: node is inactive")
	// ErrRefreshFailed means the provider refused or failed the refresh;
	// the node is temporarily unusable and callers should fall back to
	// another node.
	ErrRefreshFailed = errors.New("token: refresh failed")
	// ErrDecrypt mirrors vault.ErrDecrypt: the stored credential cannot be
	// read with the current key. Unrecoverable without re-linking the node;
	// callers must not retry.
	ErrDecrypt = vault.ErrDecrypt
)

// Manager is the sole mutator of node credentials.
type Manager struct {
	db       *storage.DB
	vault    *vault.Vault
	provider *provider.Client
	log      *logrus.Logger

	refreshGroup singleflight.Group

	// now is stubbed in tests.
	now func() time.Time
}

// NewManager creates a Manager.
func NewManager(db *storage.DB, v *vault.Vault, p *provider.Client, log *logrus.Logger) *Manager {
	return &Manager{
		db:       db,
		vault:    v,
		provider: p,
		log:      log,
		now:      time.Now,
	}
}

// AccessToken returns a valid access token for the node, refreshing first
// when the cached one expires within ExpiryBuffer. Concurrent calls for the
// same node share a single refresh.
func (m *Manager) AccessToken(ctx context.Context, nodeID string) (string, error) {
	node, err := m.db.GetNode(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("load node: %w", err)
	}
	if !node.Active {
		return "", ErrNodeInactive
	}

	if time.Unix(node.TokenExpiry, 0).After(m.now().Add(ExpiryBuffer)) {
		plaintext, err := m.vault.Open(node.AccessToken)
		if err != nil {
			m.log.WithField("node_id", nodeID).Error("stored access token is undecryptable; node needs re-authentication")
			return "", err
		}
		return string(plaintext), nil
	}

	return m.Refresh(ctx, nodeID)
}

// Refresh exchanges the node's refresh token for a new access token,
// persists the re-encrypted result, and returns the plaintext token.
func (m *Manager) Refresh(ctx context.Context, nodeID string) (string, error) {
	token, err, _ := m.refreshGroup.Do(nodeID, func() (any, error) {
		return m.refresh(ctx, nodeID)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (m *Manager) refresh(ctx context.Context, nodeID string) (string, error) {
	node, err := m.db.GetNode(ctx, nodeID)
	if err != nil {
		return "", fmt.Errorf("load node: %w", err)
	}
	if !node.Active {
		return "", ErrNodeInactive
	}

	refreshToken, err := m.vault.Open(node.RefreshToken)
	if err != nil {
		m.log.WithField("node_id", nodeID).Error("stored refresh token is undecryptable; node needs re-authentication")
		return "", err
	}

	accessToken, expiresIn, err := m.provider.RefreshToken(ctx, string(refreshToken))
	if err != nil {
		m.log.WithFields(logrus.Fields{
			"node_id": nodeID,
			"error":   err,
		}).Warn("token refresh failed; treating node as unavailable")
		return "", fmt.Errorf("%w: %s", ErrRefreshFailed, errText(err))
	}

	sealed, err := m.vault.Seal([]byte(accessToken))
	if err != nil {
		return "", fmt.Errorf("seal access token: %w", err)
	}
	expiry := m.now().Add(time.Duration(expiresIn) * time.Second).Unix()
	if err := m.db.UpdateNodeTokens(ctx, nodeID, sealed, node.RefreshToken, expiry); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	m.log.WithField("node_id", nodeID).Debug("access token refreshed")
	return accessToken, nil
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
