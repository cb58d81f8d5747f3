package models

import (
	"time"

	"github.com/google/uuid"
)

// AttributeKind discriminates which value column of an Attribute is active.
type AttributeKind string

const (
	KindBool        AttributeKind = "boolean"
	KindNumber      AttributeKind = "number"
	KindString      AttributeKind = "string"
	KindDate        AttributeKind = "date"
	KindMultiString AttributeKind = "multistring"
)

// Integration represents a registered Notion integration token.
type Integration struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Token     string    `db:"token" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (Integration) TableName() string {
	return "integrations"
}

// Table binds one Integration to one Notion database.
type Table struct {
	ID            uuid.UUID `db:"id" json:"id"`
	IntegrationID uuid.UUID `db:"integration_id" json:"integration_id"`
	NotionTableID string    `db:"notion_table_id" json:"notion_table_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (Table) TableName() string {
	return "tables"
}

// Element is one cached row of a Table. LastEdited is the sync watermark.
type Element struct {
	ID         uuid.UUID `db:"id" json:"id"`
	TableID    uuid.UUID `db:"table_id" json:"table_id"`
	NotionID   string    `db:"notion_id" json:"notion_id"`
	LastEdited time.Time `db:"last_edited" json:"last_edited"`
}

// TableName returns the database table name
func (Element) TableName() string {
	return "elements"
}

// Attribute is one named, typed value on an Element. Kind selects the active
// value column; Type keeps the raw upstream type tag for schema reporting.
// A multistring stores its ordered list as a JSON array in ValueString.
type Attribute struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	ElementID   uuid.UUID     `db:"element_id" json:"element_id"`
	Name        string        `db:"name" json:"name"`
	Type        string        `db:"type" json:"type"`
	Kind        AttributeKind `db:"kind" json:"kind"`
	ValueBool   *bool         `db:"value_bool" json:"value_bool,omitempty"`
	ValueDate   *time.Time    `db:"value_date" json:"value_date,omitempty"`
	ValueNumber *float64      `db:"value_number" json:"value_number,omitempty"`
	ValueString *string       `db:"value_string" json:"value_string,omitempty"`
}

// TableName returns the database table name
func (Attribute) TableName() string {
	return "attributes"
}
