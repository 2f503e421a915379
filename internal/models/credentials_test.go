// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/torbox-manager/internal/domain"
)

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewCredentialStoreRequiresKeySize(t *testing.T) {
	_, err := NewCredentialStore(newTestDB(t), []byte("short"))
	require.Error(t, err)
}

func TestCredentialStoreSaveAndMerge(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	store, err := NewCredentialStore(db, testKey())
	require.NoError(t, err)

	_, err = store.Get(ctx)
	require.ErrorIs(t, err, ErrCredentialsNotFound)

	saved, err := store.Save(ctx, CredentialsInput{APIKey: "tb-secret", MultiupUsername: "alice", MultiupPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "tb-secret", saved.APIKey)
	assert.True(t, saved.HasMultiup())

	var rawKey, rawPassword string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT api_key_encrypted, multiup_password_encrypted FROM credentials`).Scan(&rawKey, &rawPassword))
	assert.NotContains(t, rawKey, "tb-secret")
	assert.NotContains(t, rawPassword, "hunter2")

	// redacted values coming back from the UI leave secrets untouched
	merged, err := store.Save(ctx, CredentialsInput{APIKey: domain.RedactString("x"), MultiupUsername: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "tb-secret", merged.APIKey)
	assert.Equal(t, "bob", merged.MultiupUsername)
	assert.Equal(t, "hunter2", merged.MultiupPassword)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Get(ctx)
	require.ErrorIs(t, err, ErrCredentialsNotFound)
}

func TestCredentialStoreWrongKeyFails(t *testing.T) {
	ctx := t.Context()
	db := newTestDB(t)
	store, err := NewCredentialStore(db, testKey())
	require.NoError(t, err)
	_, err = store.Save(ctx, CredentialsInput{APIKey: "tb-secret"})
	require.NoError(t, err)

	other := make([]byte, 32)
	otherStore, err := NewCredentialStore(db, other)
	require.NoError(t, err)
	_, err = otherStore.Get(ctx)
	require.Error(t, err)
}

func TestCredentialsMarshalRedactsSecrets(t *testing.T) {
	data, err := json.Marshal(Credentials{APIKey: "tb-secret", MultiupUsername: "alice", MultiupPassword: "hunter2"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "<redacted>", out["apiKey"])
	assert.Equal(t, "<redacted>", out["multiupPassword"])
	assert.Equal(t, "alice", out["multiupUsername"])

	empty, err := json.Marshal(Credentials{})
	require.NoError(t, err)
	assert.Contains(t, string(empty), `"apiKey":""`)
}
