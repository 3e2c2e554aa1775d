package models

import "time"

// Credential stores encrypted Strava OAuth tokens for one athlete.
// Token material is never written in plaintext: both cipher columns
// hold AES-256-GCM output (iv || ciphertext+tag) under the key version
// recorded in KeyVersion.
type Credential struct {
	AthleteID       string `gorm:"primaryKey"` // Strava athlete ID, stringified
	AccessCipher    []byte
	RefreshCipher   []byte
	KeyVersion      int    `gorm:"default:1"`
	Scopes          string // comma-joined granted scopes, as Strava reports them
	ExpiresAt       time.Time
	LastRefreshedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
