// Package catalog defines the case-opening economy model: purchasable cases,
// their prize tables, and the store interface the payment pipeline reads from.
package catalog

import (
	"errors"
	"fmt"
	"sync"
)

// TotalPpm is the probability mass every prize table must sum to.
const TotalPpm = 1_000_000

var (
	// ErrCaseNotFound is returned when a case ID is unknown to the store.
	ErrCaseNotFound = errors.New("catalog: case not found")
	// ErrBlankCaseID is returned when a case has no ID.
	ErrBlankCaseID = errors.New("catalog: case id must not be blank")
)

// PrizeType enumerates what a prize item dispenses.
type PrizeType string

const (
	PrizeGift       PrizeType = "gift"
	PrizePremium3m  PrizeType = "premium_3m"
	PrizePremium6m  PrizeType = "premium_6m"
	PrizePremium12m PrizeType = "premium_12m"
	PrizeInternal   PrizeType = "internal"
)

// PremiumTier maps a premium prize type to its subscription length and the
// star count the platform requires for that tier.
func (t PrizeType) PremiumTier() (months int, starCount int64, ok bool) {
	switch t {
	case PrizePremium3m:
		return 3, 1000, true
	case PrizePremium6m:
		return 6, 1500, true
	case PrizePremium12m:
		return 12, 2500, true
	default:
		return 0, 0, false
	}
}

// PrizeItem is one slot of a case's prize table.
type PrizeItem struct {
	ID             string    `json:"id" yaml:"id"`
	Type           PrizeType `json:"type" yaml:"type"`
	StarCost       int64     `json:"starCost,omitempty" yaml:"starCost,omitempty"`
	ProbabilityPpm int       `json:"probabilityPpm" yaml:"probabilityPpm"`
}

// Case is a purchasable case with a fixed star price and a prize table whose
// probabilities are expressed in parts per million.
type Case struct {
	ID         string      `json:"id" yaml:"id"`
	Title      string      `json:"title" yaml:"title"`
	PriceStars int64       `json:"priceStars" yaml:"priceStars"`
	Items      []PrizeItem `json:"items" yaml:"items"`
}

// Validate checks the case invariants: non-blank ID, positive price,
// non-negative per-item probabilities summing to exactly TotalPpm.
func (c Case) Validate() error {
	if c.ID == "" {
		return ErrBlankCaseID
	}
	if c.PriceStars <= 0 {
		return fmt.Errorf("catalog: case %q: priceStars must be positive, got %d", c.ID, c.PriceStars)
	}
	if len(c.Items) == 0 {
		return fmt.Errorf("catalog: case %q: prize table is empty", c.ID)
	}
	sum := 0
	for i, item := range c.Items {
		if item.ID == "" {
			return fmt.Errorf("catalog: case %q: item %d has blank id", c.ID, i)
		}
		switch item.Type {
		case PrizeGift, PrizePremium3m, PrizePremium6m, PrizePremium12m, PrizeInternal:
		default:
			return fmt.Errorf("catalog: case %q: item %q has unknown type %q", c.ID, item.ID, item.Type)
		}
		if item.ProbabilityPpm < 0 {
			return fmt.Errorf("catalog: case %q: item %q has negative probabilityPpm", c.ID, item.ID)
		}
		sum += item.ProbabilityPpm
	}
	if sum != TotalPpm {
		return fmt.Errorf("catalog: case %q: probabilityPpm sums to %d, want %d", c.ID, sum, TotalPpm)
	}
	return nil
}

// Item returns the prize item with the given ID, if present.
func (c Case) Item(id string) (PrizeItem, bool) {
	for _, item := range c.Items {
		if item.ID == id {
			return item, true
		}
	}
	return PrizeItem{}, false
}

// Store is the read surface the payment pipeline depends on. Implementations
// must be safe for concurrent use.
type Store interface {
	// Get returns the case with the given ID or ErrCaseNotFound.
	Get(id string) (Case, error)
	// List returns all cases in a stable order.
	List() []Case
}

// StaticStore is an immutable in-memory Store.
type StaticStore struct {
	mu    sync.RWMutex
	order []string
	cases map[string]Case
}

// NewStaticStore validates every case and builds a store over them.
func NewStaticStore(cases ...Case) (*StaticStore, error) {
	s := &StaticStore{cases: make(map[string]Case, len(cases))}
	for _, c := range cases {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.cases[c.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate case id %q", c.ID)
		}
		s.cases[c.ID] = c
		s.order = append(s.order, c.ID)
	}
	return s, nil
}

// Get implements Store.
func (s *StaticStore) Get(id string) (Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	return c, nil
}

// List implements Store.
func (s *StaticStore) List() []Case {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Case, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.cases[id])
	}
	return out
}
