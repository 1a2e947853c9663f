package store

import (
	"encoding/json"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/fjg67/IT-Inventory-sub000/internal/models"
)

// Filter narrows a List call. Name is matched case- and
// accent-insensitively against the payload's display name, so "depot"
// finds "Dépôt". Field data here is predominantly French.
type Filter struct {
	Name           string
	IncludeDeleted bool
}

// stripMarks removes combining marks after canonical decomposition,
// turning "é" into "e" before comparison.
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldName(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		// Malformed input falls back to plain case folding.
		return strings.ToLower(s)
	}

	return strings.ToLower(out)
}

func (f Filter) matches(entity models.EntityType, payload json.RawMessage) bool {
	if f.Name == "" {
		return true
	}

	name := models.PayloadName(entity, payload)
	if name == "" {
		return false
	}

	return strings.Contains(foldName(name), foldName(f.Name))
}
