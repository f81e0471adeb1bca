// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package snapshot persists the images of a gimpbus.MemoryStore in a
// SQLite file so a standalone bridge keeps its drawables across restarts.
package snapshot

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/GlimmerLabs/gimp-dbus/gimpbus"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS images (
  id        INTEGER PRIMARY KEY,
  drawable  INTEGER NOT NULL UNIQUE,
  width     INTEGER NOT NULL,
  height    INTEGER NOT NULL,
  channels  INTEGER NOT NULL,
  pixels    BLOB    NOT NULL,
  saved_at  INTEGER NOT NULL
)`

// Store is a SQLite snapshot file.
type Store struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Open opens or creates the snapshot file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}

// Save replaces the snapshot with every image of ms. Pixels are stored
// zstd-compressed.
func (s *Store) Save(ctx context.Context, ms *gimpbus.MemoryStore) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM images`); err != nil {
		return 0, fmt.Errorf("clear snapshot: %w", err)
	}

	now := time.Now().UTC().UnixMilli()
	saved := 0
	for _, id := range ms.Images() {
		img, ok := ms.Image(id)
		if !ok {
			continue
		}
		d, ok := ms.Drawable(img.Drawable)
		if !ok {
			continue
		}
		pixels, ok := ms.Pixels(img.Drawable)
		if !ok {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO images (id, drawable, width, height, channels, pixels, saved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			img.ID, img.Drawable, img.Width, img.Height, d.Channels,
			s.enc.EncodeAll(pixels, nil), now,
		)
		if err != nil {
			return 0, fmt.Errorf("save image %d: %w", img.ID, err)
		}
		saved++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit snapshot: %w", err)
	}
	gimpbus.Logger().Info("saved snapshot", zap.Int("images", saved))
	return saved, nil
}

// Restore loads every saved image into ms and returns how many were
// restored. Images whose ids are already taken in ms are skipped.
func (s *Store) Restore(ctx context.Context, ms *gimpbus.MemoryStore) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, drawable, width, height, channels, pixels FROM images ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("query snapshot: %w", err)
	}
	defer rows.Close()

	restored := 0
	for rows.Next() {
		var (
			img        gimpbus.ImageInfo
			channels   int
			compressed []byte
		)
		if err := rows.Scan(&img.ID, &img.Drawable, &img.Width, &img.Height, &channels, &compressed); err != nil {
			return restored, fmt.Errorf("scan snapshot row: %w", err)
		}
		pixels, err := s.dec.DecodeAll(compressed, nil)
		if err != nil {
			return restored, fmt.Errorf("decompress image %d: %w", img.ID, err)
		}
		if err := ms.RestoreImage(img, channels, pixels); err != nil {
			gimpbus.Logger().Warn("skipping snapshot image", zap.Int32("image", img.ID), zap.Error(err))
			continue
		}
		restored++
	}
	if err := rows.Err(); err != nil {
		return restored, fmt.Errorf("read snapshot: %w", err)
	}
	return restored, nil
}
