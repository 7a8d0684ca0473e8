package model

import "time"

// Artifact is one generated artifact row. Rows are append-only; the sweeper
// hard-deletes them once expires_at has passed.
type Artifact struct {
	ID           string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Subject      string    `gorm:"column:subject;type:varchar(255);not null;index:idx_artifacts_subject_expires,priority:1"`
	GeneratedAt  time.Time `gorm:"column:generated_at;not null"`
	ExpiresAt    time.Time `gorm:"column:expires_at;not null;index:idx_artifacts_subject_expires,priority:2;index:idx_artifacts_expires"`
	TextBytes    []byte    `gorm:"column:text_bytes;not null"`
	TextEncoding string    `gorm:"column:text_encoding;type:varchar(8);not null"`
	TextSize     int64     `gorm:"column:text_size_bytes;not null"`
	Language     *string   `gorm:"column:language;type:varchar(8)"`
	Locale       *string   `gorm:"column:locale;type:varchar(16)"`
	AudioBytes   []byte    `gorm:"column:audio_bytes"`
	AudioFormat  string    `gorm:"column:audio_format;type:varchar(16);not null"`
	AudioSize    int64     `gorm:"column:audio_size_bytes;not null"`
	Metadata     string    `gorm:"column:metadata;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime"`
}

func (Artifact) TableName() string {
	return "artifacts"
}
