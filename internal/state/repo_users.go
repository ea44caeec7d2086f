package state

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/simpleclaw/fleet/internal/model"
)

// UpsertUser finds or creates a user for a verified identity and makes
// sure a profile row exists. Existing users are matched on
// (auth_provider, provider_user_id) first, then on email.
func (s *Store) UpsertUser(email string, provider model.AuthProvider, providerUserID string) (*model.User, error) {
	u, err := s.getUserByIdentity(provider, providerUserID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u, err = s.GetUserByEmail(email)
	if errors.Is(err, ErrNotFound) {
		now := nowNs()
		res, err := s.db.Exec(
			`INSERT INTO users (email, auth_provider, provider_user_id, created_at_ns) VALUES (?, ?, ?, ?)`,
			email, string(provider), providerUserID, now,
		)
		if err != nil {
			return nil, fmt.Errorf("insert user: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert user id: %w", err)
		}
		u = &model.User{ID: id, Email: email, AuthProvider: provider, ProviderUserID: providerUserID, CreatedAtNs: now}
	} else if err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(
		`INSERT INTO profiles (user_id, updated_at_ns) VALUES (?, ?) ON CONFLICT (user_id) DO NOTHING`,
		u.ID, nowNs(),
	); err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return u, nil
}

func (s *Store) getUserByIdentity(provider model.AuthProvider, providerUserID string) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, auth_provider, provider_user_id, created_at_ns
		   FROM users WHERE auth_provider = ? AND provider_user_id = ?`,
		string(provider), providerUserID,
	))
}

// GetUserByEmail returns the user with the given email.
func (s *Store) GetUserByEmail(email string) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, auth_provider, provider_user_id, created_at_ns FROM users WHERE email = ?`, email,
	))
}

// GetUserByID returns the user with the given id.
func (s *Store) GetUserByID(id int64) (*model.User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT id, email, auth_provider, provider_user_id, created_at_ns FROM users WHERE id = ?`, id,
	))
}

func (s *Store) scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	var provider string
	err := row.Scan(&u.ID, &u.Email, &provider, &u.ProviderUserID, &u.CreatedAtNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.AuthProvider = model.AuthProvider(provider)
	return &u, nil
}

const profileColumns = `id, user_id, selected_model, subscription_status, router_key, router_key_handle,
	usage_usd, limit_usd, bot_token, bot_username, owner_peer_id, sales_chat_id, extension_enabled, updated_at_ns`

// GetProfileByUserID returns the profile owned by userID.
func (s *Store) GetProfileByUserID(userID int64) (*model.UserProfile, error) {
	return s.scanProfile(s.db.QueryRow(
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID,
	))
}

// GetProfileByID returns the profile with the given id.
func (s *Store) GetProfileByID(id int64) (*model.UserProfile, error) {
	return s.scanProfile(s.db.QueryRow(
		`SELECT `+profileColumns+` FROM profiles WHERE id = ?`, id,
	))
}

func (s *Store) scanProfile(row *sql.Row) (*model.UserProfile, error) {
	var p model.UserProfile
	err := row.Scan(
		&p.ID, &p.UserID, &p.SelectedModel, &p.SubscriptionStatus, &p.RouterKey, &p.RouterKeyHandle,
		&p.UsageUSD, &p.LimitUSD, &p.BotToken, &p.BotUsername, &p.OwnerPeerID, &p.SalesChatID,
		&p.ExtensionEnabled, &p.UpdatedAtNs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan profile: %w", err)
	}
	return &p, nil
}

// SetProfileRouterKey persists a freshly minted model-router credential.
// Called before any deploy exposes success, so the handle is never lost.
func (s *Store) SetProfileRouterKey(profileID int64, key, handle string, limitUSD float64) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET router_key = ?, router_key_handle = ?, limit_usd = ?, updated_at_ns = ? WHERE id = ?`,
		key, handle, limitUSD, nowNs(), profileID)
}

// SetProfileUsage caches the router-reported usage numbers.
func (s *Store) SetProfileUsage(profileID int64, usageUSD, limitUSD float64) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET usage_usd = ?, limit_usd = ?, updated_at_ns = ? WHERE id = ?`,
		usageUSD, limitUSD, nowNs(), profileID)
}

// SetProfileBot stores the user's messaging-channel bot credentials.
func (s *Store) SetProfileBot(profileID int64, token, username string) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET bot_token = ?, bot_username = ?, updated_at_ns = ? WHERE id = ?`,
		token, username, nowNs(), profileID)
}

// SetProfileModel stores the selected model slug.
func (s *Store) SetProfileModel(profileID int64, model string) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET selected_model = ?, updated_at_ns = ? WHERE id = ?`,
		model, nowNs(), profileID)
}

// SetProfileSubscriptionStatus caches the billing status on the profile.
func (s *Store) SetProfileSubscriptionStatus(profileID int64, status string) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET subscription_status = ?, updated_at_ns = ? WHERE id = ?`,
		status, nowNs(), profileID)
}

// SetProfileExtensionEnabled records whether the per-node extension is on.
func (s *Store) SetProfileExtensionEnabled(profileID int64, enabled bool) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET extension_enabled = ?, updated_at_ns = ? WHERE id = ?`,
		enabled, nowNs(), profileID)
}

// SetProfileSalesChat stores the chat id used for sales-bot notifications.
func (s *Store) SetProfileSalesChat(profileID int64, chatID string) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET sales_chat_id = ?, updated_at_ns = ? WHERE id = ?`,
		chatID, nowNs(), profileID)
}

// SetProfileOwnerPeer stores the messaging-channel peer allowed to DM the bot.
func (s *Store) SetProfileOwnerPeer(profileID int64, peerID string) error {
	return s.execProfile(profileID,
		`UPDATE profiles SET owner_peer_id = ?, updated_at_ns = ? WHERE id = ?`,
		peerID, nowNs(), profileID)
}

func (s *Store) execProfile(profileID int64, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update profile %d: %w", profileID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update profile %d: %w", profileID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListProfilesWithRouterKey returns every profile holding a router key
// handle. Used by the monthly limit reset.
func (s *Store) ListProfilesWithRouterKey() ([]*model.UserProfile, error) {
	rows, err := s.db.Query(`SELECT ` + profileColumns + ` FROM profiles WHERE router_key_handle != ''`)
	if err != nil {
		return nil, fmt.Errorf("list keyed profiles: %w", err)
	}
	defer rows.Close()

	var out []*model.UserProfile
	for rows.Next() {
		var p model.UserProfile
		if err := rows.Scan(
			&p.ID, &p.UserID, &p.SelectedModel, &p.SubscriptionStatus, &p.RouterKey, &p.RouterKeyHandle,
			&p.UsageUSD, &p.LimitUSD, &p.BotToken, &p.BotUsername, &p.OwnerPeerID, &p.SalesChatID,
			&p.ExtensionEnabled, &p.UpdatedAtNs,
		); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// InsertAPIToken stores a bearer token for a user.
func (s *Store) InsertAPIToken(token string, userID int64) error {
	_, err := s.db.Exec(
		`INSERT INTO api_tokens (token, user_id, created_at_ns) VALUES (?, ?, ?)`,
		token, userID, nowNs(),
	)
	if err != nil {
		return fmt.Errorf("insert api token: %w", err)
	}
	return nil
}

// GetUserIDByToken resolves a bearer token to a user id.
func (s *Store) GetUserIDByToken(token string) (int64, error) {
	var userID int64
	err := s.db.QueryRow(`SELECT user_id FROM api_tokens WHERE token = ?`, token).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lookup api token: %w", err)
	}
	return userID, nil
}
