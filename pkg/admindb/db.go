// Package admindb stores control API auth state in SQLite: the JWT signing
// secret and the ids of revoked tokens.
package admindb

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const jwtSecretName = "jwt_secret"

// Setting is a small key/value row.
type Setting struct {
	Name      string `gorm:"primaryKey;size:64"`
	Value     string `gorm:"type:text;not null"`
	UpdatedAt time.Time
}

// RevokedToken is a logged out JWT, kept until it would have expired.
type RevokedToken struct {
	JTI       string    `gorm:"primaryKey;size:64"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt time.Time `gorm:"not null"`
}

type DB struct {
	gorm *gorm.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("admin db path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create admin db dir: %w", err)
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=30000"
	}
	g, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open admin db: %w", err)
	}
	sqlDB, err := g.DB()
	if err != nil {
		return nil, fmt.Errorf("admin db handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping admin db: %w", err)
	}
	if err := g.AutoMigrate(&Setting{}, &RevokedToken{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate admin db: %w", err)
	}
	slog.Debug("admin db ready", "path", path)
	return &DB{gorm: g}, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// JWTSecret returns the signing secret, generating and storing one on
// first use.
func (d *DB) JWTSecret() ([]byte, error) {
	var s Setting
	err := d.gorm.Where("name = ?", jwtSecretName).First(&s).Error
	if err == nil {
		return hex.DecodeString(s.Value)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}
	s = Setting{Name: jwtSecretName, Value: hex.EncodeToString(buf), UpdatedAt: time.Now().UTC()}
	// Another process may have won the race; reread whatever is stored.
	if err := d.gorm.Clauses(clause.OnConflict{DoNothing: true}).Create(&s).Error; err != nil {
		return nil, fmt.Errorf("store jwt secret: %w", err)
	}
	if err := d.gorm.Where("name = ?", jwtSecretName).First(&s).Error; err != nil {
		return nil, fmt.Errorf("load jwt secret: %w", err)
	}
	return hex.DecodeString(s.Value)
}

// RotateJWTSecret replaces the secret, invalidating every issued token.
func (d *DB) RotateJWTSecret() error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	s := Setting{Name: jwtSecretName, Value: hex.EncodeToString(buf), UpdatedAt: time.Now().UTC()}
	return d.gorm.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&s).Error
}

func (d *DB) Revoke(jti string, expiresAt time.Time) error {
	jti = strings.TrimSpace(jti)
	if jti == "" {
		return errors.New("token id is empty")
	}
	row := RevokedToken{JTI: jti, ExpiresAt: expiresAt.UTC(), RevokedAt: time.Now().UTC()}
	return d.gorm.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

func (d *DB) IsRevoked(jti string) (bool, error) {
	var n int64
	if err := d.gorm.Model(&RevokedToken{}).Where("jti = ?", jti).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// PurgeExpired drops revocations of tokens that have expired anyway.
func (d *DB) PurgeExpired(now time.Time) (int64, error) {
	res := d.gorm.Where("expires_at < ?", now.UTC()).Delete(&RevokedToken{})
	return res.RowsAffected, res.Error
}
