package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType classifies an extracted entity or concept.
type EntityType string

const (
	EntityTypePerson   EntityType = "PERSON"
	EntityTypeOrg      EntityType = "ORG"
	EntityTypeLocation EntityType = "LOCATION"
	EntityTypeConcept  EntityType = "CONCEPT"
	EntityTypeCustom   EntityType = "CUSTOM"
)

// Entity represents a normalized, deduplicated node for a named thing or
// concept mentioned across one or more chunks. Identity is the NormalizedKey:
// upserting a second entity with the same key merges into the existing node
// instead of creating a duplicate.
type Entity struct {
	ID            int64      `json:"id"`
	RID           uuid.UUID  `json:"rid"`
	Name          string     `json:"name"`
	Type          EntityType `json:"entity_type"`
	NormalizedKey string     `json:"normalized_key"`
	MentionCount  int        `json:"mention_count"`
	Metadata      Metadata   `json:"metadata,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NormalizeKey builds the identity key for an entity name and type.
// Case and whitespace variations of the same name produce the same key.
func NormalizeKey(name string, entityType EntityType) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(name), " "))
	return normalized + "|" + strings.ToLower(string(entityType))
}
