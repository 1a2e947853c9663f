// Package models defines the entity records, payloads, and mutation
// records shared by the local store, the sync engine, and the backend
// contract.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// EntityType identifies one of the synchronized entity kinds.
type EntityType string

const (
	EntityCategory        EntityType = "category"
	EntitySite            EntityType = "site"
	EntityTechnician      EntityType = "technician"
	EntityReferenceOption EntityType = "reference_option"
	EntityArticle         EntityType = "article"
	EntityStockMovement   EntityType = "stock_movement"
)

// EntityTypes returns all entity types in canonical push order: referenced
// entities first so the backend never sees a movement before the article
// and site it points at.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityCategory,
		EntitySite,
		EntityTechnician,
		EntityReferenceOption,
		EntityArticle,
		EntityStockMovement,
	}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityCategory, EntitySite, EntityTechnician,
		EntityReferenceOption, EntityArticle, EntityStockMovement:
		return true
	}

	return false
}

// Op is a mutation operation.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Record is the envelope stored for every entity, regardless of type.
// LocalID is assigned once at creation and never changes; RemoteID stays
// empty until the backend acknowledges the first push. Revision increases
// strictly and never decreases, even across a resync.
type Record struct {
	LocalID   string          `json:"local_id"`
	RemoteID  string          `json:"remote_id,omitempty"`
	Revision  int64           `json:"revision"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// Deleted reports whether the record carries a soft-delete tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Mutation is one pending local change awaiting backend acknowledgment.
// Seq is a global monotonic sequence number assigned at enqueue time.
// BaseRevision is the record revision the mutation was enqueued against;
// the conflict resolver uses it to decide whether a local delete may
// override a remote update.
type Mutation struct {
	Seq            uint64          `json:"seq"`
	Entity         EntityType      `json:"entity"`
	LocalID        string          `json:"local_id"`
	Op             Op              `json:"op"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	BaseRevision   int64           `json:"base_revision"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	Attempts       int             `json:"attempts"`
	LastAttempt    time.Time       `json:"last_attempt,omitzero"`
	LastError      string          `json:"last_error,omitempty"`
}

// MovementKind classifies a stock movement.
type MovementKind string

const (
	MovementEntry      MovementKind = "entry"
	MovementExit       MovementKind = "exit"
	MovementAdjustment MovementKind = "adjustment"
)

// Article is descriptive master data. Stock quantity is deliberately
// absent: levels are derived by replaying movements, never stored here.
type Article struct {
	Name        string `json:"name"`
	Reference   string `json:"reference"`
	CategoryID  string `json:"category_id,omitempty"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
	MinStock    int    `json:"min_stock,omitempty"`
}

// StockMovement is an immutable append-only fact: an entry, exit, or
// adjustment event against an article at a site. IdempotencyKey makes
// retried pushes safe to replay server-side.
type StockMovement struct {
	ArticleID      string       `json:"article_id"`
	SiteID         string       `json:"site_id"`
	TechnicianID   string       `json:"technician_id,omitempty"`
	Kind           MovementKind `json:"kind"`
	Quantity       float64      `json:"quantity"`
	Note           string       `json:"note,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// Site is a warehouse or intervention location.
type Site struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
}

// Technician is a field user who records movements.
type Technician struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Category groups articles.
type Category struct {
	Name string `json:"name"`
}

// ReferenceOption is a configurable dropdown value (movement reasons,
// units, and similar pick lists).
type ReferenceOption struct {
	Kind     string `json:"kind"`
	Label    string `json:"label"`
	Position int    `json:"position,omitempty"`
}

// NewLocalID returns a fresh local identifier.
func NewLocalID() string {
	return uuid.NewString()
}

// NewIdempotencyKey returns a client-generated idempotency key for a
// stock movement.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// EncodePayload marshals a typed payload into the raw form stored on a
// Record or Mutation.
func EncodePayload(payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	return data, nil
}

// DecodeMovement decodes a stock movement payload.
func DecodeMovement(payload json.RawMessage) (StockMovement, error) {
	var m StockMovement
	if err := json.Unmarshal(payload, &m); err != nil {
		return StockMovement{}, fmt.Errorf("decoding stock movement: %w", err)
	}

	return m, nil
}

// DecodeArticle decodes an article payload.
func DecodeArticle(payload json.RawMessage) (Article, error) {
	var a Article
	if err := json.Unmarshal(payload, &a); err != nil {
		return Article{}, fmt.Errorf("decoding article: %w", err)
	}

	return a, nil
}

// PayloadName extracts the human-facing name from a payload without
// requiring the caller to know the concrete type. Reference options use
// their label; movements use their note. Missing fields yield "".
func PayloadName(entity EntityType, payload json.RawMessage) string {
	switch entity {
	case EntityReferenceOption:
		return gjson.GetBytes(payload, "label").Str
	case EntityStockMovement:
		return gjson.GetBytes(payload, "note").Str
	default:
		return gjson.GetBytes(payload, "name").Str
	}
}

// MovementIdempotencyKey reads the idempotency key from a movement
// payload, or "" when the payload is not a movement or carries none.
func MovementIdempotencyKey(payload json.RawMessage) string {
	return gjson.GetBytes(payload, "idempotency_key").Str
}
