package model

import "time"

// MetaSchemaVersion is the store_meta key holding the applied schema version.
const MetaSchemaVersion = "schema_version"

// StoreMeta is a small key/value table describing the store itself.
type StoreMeta struct {
	Key       string    `gorm:"column:key;type:varchar(64);primaryKey"`
	Value     string    `gorm:"column:value;type:text;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null;autoUpdateTime"`
}

func (StoreMeta) TableName() string {
	return "store_meta"
}
