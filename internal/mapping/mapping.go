// Package mapping applies the confidence contract of category mapping
// suggestions and keeps the review queue for the ones that need a human.
package mapping

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/meschain/meschain-sync/internal/marketplace"
)

// Fixed thresholds of the mapping contract
const (
	AutoAcceptThreshold = 0.95
	SuggestThreshold    = 0.85
)

// Decision is what the sync core does with a suggestion
type Decision string

const (
	AutoAccept Decision = "auto_accept"
	Suggest    Decision = "suggest"
	Manual     Decision = "manual"
)

// Suggestion is produced by the category-mapping collaborator
type Suggestion struct {
	CategoryID       string  `json:"category_id" validate:"required"`
	RemoteCategoryID string  `json:"remote_category_id,omitempty"`
	ConfidenceScore  float64 `json:"confidence_score"`
}

// Classify maps a confidence score onto a decision
func Classify(score float64) (Decision, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return "", fmt.Errorf("confidence score %v outside [0,1]", score)
	}
	switch {
	case score >= AutoAcceptThreshold:
		return AutoAccept, nil
	case score >= SuggestThreshold:
		return Suggest, nil
	}
	return Manual, nil
}

// Decide classifies a suggestion
func Decide(s Suggestion) (Decision, error) {
	if s.CategoryID == "" {
		return "", fmt.Errorf("category_id is required")
	}
	return Classify(s.ConfidenceScore)
}

// ReviewStatus is the state of a queued mapping
type ReviewStatus string

const (
	StatusPending  ReviewStatus = "pending"
	StatusAccepted ReviewStatus = "accepted"
	StatusRejected ReviewStatus = "rejected"
)

// Entry is one suggestion waiting for (or past) operator review
type Entry struct {
	Marketplace marketplace.Marketplace `json:"marketplace"`
	Suggestion  Suggestion              `json:"suggestion"`
	Decision    Decision                `json:"decision"`
	Status      ReviewStatus            `json:"status"`
	QueuedAt    time.Time               `json:"queued_at"`
	ReviewedAt  *time.Time              `json:"reviewed_at,omitempty"`
}

type key struct {
	mp       marketplace.Marketplace
	category string
}

// Queue holds suggestions that were not auto-accepted
type Queue struct {
	mu      sync.RWMutex
	entries map[key]*Entry
}

// NewQueue creates an empty review queue
func NewQueue() *Queue {
	return &Queue{entries: make(map[key]*Entry)}
}

// Add queues a suggestion. Re-adding a pending category replaces it, a
// category that was already reviewed keeps its review outcome.
func (q *Queue) Add(mp marketplace.Marketplace, s Suggestion) (Entry, error) {
	decision, err := Decide(s)
	if err != nil {
		return Entry{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	k := key{mp, s.CategoryID}
	if existing, ok := q.entries[k]; ok && existing.Status != StatusPending {
		return *existing, nil
	}
	e := &Entry{
		Marketplace: mp,
		Suggestion:  s,
		Decision:    decision,
		Status:      StatusPending,
		QueuedAt:    time.Now(),
	}
	if decision == AutoAccept {
		now := e.QueuedAt
		e.Status = StatusAccepted
		e.ReviewedAt = &now
	}
	q.entries[k] = e
	return *e, nil
}

// List returns the entries of one marketplace ordered by category id
func (q *Queue) List(mp marketplace.Marketplace) []Entry {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Entry, 0)
	for k, e := range q.entries {
		if k.mp == mp {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Suggestion.CategoryID < out[j].Suggestion.CategoryID
	})
	return out
}

// Accept marks a queued mapping as operator approved
func (q *Queue) Accept(mp marketplace.Marketplace, categoryID string) (Entry, error) {
	return q.review(mp, categoryID, StatusAccepted)
}

// Reject marks a queued mapping as refused
func (q *Queue) Reject(mp marketplace.Marketplace, categoryID string) (Entry, error) {
	return q.review(mp, categoryID, StatusRejected)
}

func (q *Queue) review(mp marketplace.Marketplace, categoryID string, status ReviewStatus) (Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key{mp, categoryID}]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s/%s", ErrNotQueued, mp, categoryID)
	}
	now := time.Now()
	e.Status = status
	e.ReviewedAt = &now
	return *e, nil
}

// IsAccepted reports whether a category may be pushed
func (q *Queue) IsAccepted(mp marketplace.Marketplace, categoryID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	e, ok := q.entries[key{mp, categoryID}]
	return ok && e.Status == StatusAccepted
}

// ErrNotQueued is returned when reviewing an unknown mapping
var ErrNotQueued = errors.New("mapping not queued")
