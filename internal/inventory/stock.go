// Package inventory derives aggregate stock levels by replaying the
// movement log. Quantities are never stored as mutable fields anywhere:
// a retried or duplicated movement cannot corrupt a level because replay
// deduplicates on the idempotency key.
package inventory

import (
	"sort"

	"github.com/fjg67/IT-Inventory-sub000/internal/models"
	"github.com/fjg67/IT-Inventory-sub000/internal/store"
)

// SiteKey addresses a per-article, per-site stock level.
type SiteKey struct {
	ArticleID string
	SiteID    string
}

// Snapshot holds derived stock levels at one point in time.
type Snapshot struct {
	// ByArticle is the total quantity per article across all sites.
	ByArticle map[string]float64

	// BySite is the quantity per article at each site.
	BySite map[SiteKey]float64

	// Movements is the number of distinct movements replayed.
	Movements int
}

// Replay folds a set of movements into stock levels. Movements are
// ordered by occurrence time (ties broken by idempotency key so replay is
// deterministic), duplicates collapse on the idempotency key, and each
// kind applies as:
//
//	entry       level += quantity
//	exit        level -= quantity
//	adjustment  level = quantity (absolute rebase at that point)
func Replay(movements []models.StockMovement) Snapshot {
	ordered := make([]models.StockMovement, len(movements))
	copy(ordered, movements)

	sort.Slice(ordered, func(i, j int) bool {
		if !ordered[i].OccurredAt.Equal(ordered[j].OccurredAt) {
			return ordered[i].OccurredAt.Before(ordered[j].OccurredAt)
		}

		return ordered[i].IdempotencyKey < ordered[j].IdempotencyKey
	})

	snap := Snapshot{
		ByArticle: make(map[string]float64),
		BySite:    make(map[SiteKey]float64),
	}

	seen := make(map[string]struct{})

	for _, m := range ordered {
		if m.IdempotencyKey != "" {
			if _, dup := seen[m.IdempotencyKey]; dup {
				continue
			}

			seen[m.IdempotencyKey] = struct{}{}
		}

		key := SiteKey{ArticleID: m.ArticleID, SiteID: m.SiteID}

		switch m.Kind {
		case models.MovementEntry:
			snap.BySite[key] += m.Quantity
		case models.MovementExit:
			snap.BySite[key] -= m.Quantity
		case models.MovementAdjustment:
			snap.BySite[key] = m.Quantity
		}

		snap.Movements++
	}

	for key, qty := range snap.BySite {
		snap.ByArticle[key.ArticleID] += qty
	}

	return snap
}

// Compute loads all live movements from the store and replays them.
func Compute(s *store.Store) (Snapshot, error) {
	records, err := s.Repo(models.EntityStockMovement).List(store.Filter{})
	if err != nil {
		return Snapshot{}, err
	}

	movements := make([]models.StockMovement, 0, len(records))

	for _, rec := range records {
		m, err := models.DecodeMovement(rec.Payload)
		if err != nil {
			return Snapshot{}, err
		}

		movements = append(movements, m)
	}

	return Replay(movements), nil
}

// Level returns the derived quantity of one article at one site.
func (s Snapshot) Level(articleID, siteID string) float64 {
	return s.BySite[SiteKey{ArticleID: articleID, SiteID: siteID}]
}
