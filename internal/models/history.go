// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autobrr/torbox-manager/internal/dbinterface"
)

// DefaultHistoryLimit caps the mirror-upload log.
const DefaultHistoryLimit = 200

const historyTypeMultiup = "multiup"

var (
	ErrHistoryEntryNotFound = errors.New("history entry not found")
	ErrHistoryEntryInvalid  = errors.New("history entry requires url and fileName")
)

// HistoryEntry records one successful mirror upload.
type HistoryEntry struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	FileName     string    `json:"fileName"`
	Size         int64     `json:"size"`
	OriginalURL  string    `json:"originalUrl,omitempty"`
	OriginalName string    `json:"originalName,omitempty"`
	Type         string    `json:"type"`
	CreatedAt    time.Time `json:"createdAt"`
}

// HistoryStore keeps the most recent entries first and trims to limit on every append.
type HistoryStore struct {
	db    dbinterface.Querier
	limit int
	now   func() time.Time
}

func NewHistoryStore(db dbinterface.Querier, limit int) *HistoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &HistoryStore{db: db, limit: limit, now: time.Now}
}

func (s *HistoryStore) Limit() int {
	return s.limit
}

// Append stores entry at the head of the log and drops anything past the limit in
// the same transaction.
func (s *HistoryStore) Append(ctx context.Context, entry HistoryEntry) (*HistoryEntry, error) {
	entry.URL = strings.TrimSpace(entry.URL)
	entry.FileName = strings.TrimSpace(entry.FileName)
	if entry.URL == "" || entry.FileName == "" {
		return nil, ErrHistoryEntryInvalid
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Type == "" {
		entry.Type = historyTypeMultiup
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (id, url, file_name, size, original_url, original_name, type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.URL, entry.FileName, entry.Size, entry.OriginalURL, entry.OriginalName, entry.Type, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert history entry: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM history
		WHERE seq NOT IN (SELECT seq FROM history ORDER BY seq DESC LIMIT ?)
	`, s.limit)
	if err != nil {
		return nil, fmt.Errorf("trim history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &entry, nil
}

// List returns up to limit entries, newest first. limit <= 0 returns the whole log.
func (s *HistoryStore) List(ctx context.Context, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > s.limit {
		limit = s.limit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, url, file_name, size, original_url, original_name, type, created_at
		FROM history
		ORDER BY seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.URL, &e.FileName, &e.Size, &e.OriginalURL, &e.OriginalName, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func (s *HistoryStore) Get(ctx context.Context, id string) (*HistoryEntry, error) {
	var e HistoryEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, url, file_name, size, original_url, original_name, type, created_at
		FROM history
		WHERE id = ?
	`, id).Scan(&e.ID, &e.URL, &e.FileName, &e.Size, &e.OriginalURL, &e.OriginalName, &e.Type, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHistoryEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *HistoryStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history WHERE id = ?`, id)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrHistoryEntryNotFound
	}
	return nil
}

// Clear empties the log and reports how many entries were removed.
func (s *HistoryStore) Clear(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *HistoryStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
