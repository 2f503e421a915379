// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/autobrr/torbox-manager/internal/dbinterface"
	"github.com/autobrr/torbox-manager/internal/domain"
)

var ErrCredentialsNotFound = errors.New("credentials not found")

// Credentials are the TorBox API key and the Multiup account used for mirroring.
type Credentials struct {
	APIKey          string    `json:"-"`
	MultiupUsername string    `json:"-"`
	MultiupPassword string    `json:"-"`
	UpdatedAt       time.Time `json:"-"`
}

func (c Credentials) HasAPIKey() bool {
	return c.APIKey != ""
}

func (c Credentials) HasMultiup() bool {
	return c.MultiupUsername != "" && c.MultiupPassword != ""
}

func (c Credentials) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		APIKey          string    `json:"apiKey"`
		MultiupUsername string    `json:"multiupUsername"`
		MultiupPassword string    `json:"multiupPassword"`
		HasAPIKey       bool      `json:"hasApiKey"`
		HasMultiup      bool      `json:"hasMultiup"`
		UpdatedAt       time.Time `json:"updatedAt"`
	}{
		APIKey:          domain.RedactString(c.APIKey),
		MultiupUsername: c.MultiupUsername,
		MultiupPassword: domain.RedactString(c.MultiupPassword),
		HasAPIKey:       c.HasAPIKey(),
		HasMultiup:      c.HasMultiup(),
		UpdatedAt:       c.UpdatedAt,
	})
}

// CredentialsInput is a partial update. Empty or redacted secrets keep the stored value.
type CredentialsInput struct {
	APIKey          string `json:"apiKey,omitempty"`
	MultiupUsername string `json:"multiupUsername,omitempty"`
	MultiupPassword string `json:"multiupPassword,omitempty"`
}

// CredentialStore keeps a single credentials row with secrets sealed by AES-GCM.
type CredentialStore struct {
	db            dbinterface.Querier
	encryptionKey []byte
}

func NewCredentialStore(db dbinterface.Querier, encryptionKey []byte) (*CredentialStore, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	return &CredentialStore{
		db:            db,
		encryptionKey: encryptionKey,
	}, nil
}

func (s *CredentialStore) Get(ctx context.Context) (*Credentials, error) {
	var (
		apiKeyEnc, passwordEnc string
		creds                  Credentials
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT api_key_encrypted, multiup_username, multiup_password_encrypted, updated_at
		FROM credentials
		WHERE id = 1
	`).Scan(&apiKeyEnc, &creds.MultiupUsername, &passwordEnc, &creds.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, err
	}

	if creds.APIKey, err = s.decrypt(apiKeyEnc); err != nil {
		return nil, err
	}
	if creds.MultiupPassword, err = s.decrypt(passwordEnc); err != nil {
		return nil, err
	}

	return &creds, nil
}

// Save merges input into the stored credentials and returns the result.
func (s *CredentialStore) Save(ctx context.Context, input CredentialsInput) (*Credentials, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var apiKeyEnc, username, passwordEnc string
	err = tx.QueryRowContext(ctx, `
		SELECT api_key_encrypted, multiup_username, multiup_password_encrypted
		FROM credentials WHERE id = 1
	`).Scan(&apiKeyEnc, &username, &passwordEnc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if secret := strings.TrimSpace(input.APIKey); secret != "" && !domain.IsRedactedString(secret) {
		if apiKeyEnc, err = s.encrypt(secret); err != nil {
			return nil, err
		}
	}
	if name := strings.TrimSpace(input.MultiupUsername); name != "" {
		username = name
	}
	if input.MultiupPassword != "" && !domain.IsRedactedString(input.MultiupPassword) {
		if passwordEnc, err = s.encrypt(input.MultiupPassword); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (id, api_key_encrypted, multiup_username, multiup_password_encrypted, updated_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			multiup_username = excluded.multiup_username,
			multiup_password_encrypted = excluded.multiup_password_encrypted,
			updated_at = excluded.updated_at
	`, apiKeyEnc, username, passwordEnc, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.Get(ctx)
}

func (s *CredentialStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE id = 1`)
	return err
}

// encrypt seals plaintext with AES-GCM; the nonce is prepended to the output.
func (s *CredentialStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *CredentialStore) decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
