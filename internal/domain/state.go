package domain

import "time"

// SearchState tracks the indexing state of a single product. A product whose
// embedding keeps failing is marked Searchable=false and stays visible in the
// catalog; it only disappears from visual search results until an operator or
// a later reindex recovers it.
type SearchState struct {
	ProductID  int64      `gorm:"primaryKey" json:"product_id"`
	Version    int64      `gorm:"not null;default:0" json:"version"`
	Searchable bool       `gorm:"index:idx_search_states_searchable" json:"searchable"`
	Attempts   int        `gorm:"default:0" json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	EmbeddedAt *time.Time `json:"embedded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName returns the database table name for SearchState.
func (SearchState) TableName() string {
	return "search_states"
}
