package repository

import (
	"errors"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
)

// Repositories is the budget context's repository set.
type Repositories struct {
	Request    *RequestRepository
	Item       *ItemRepository
	Drug       *DrugRepository
	Allocation *AllocationRepository
}

// NewRepositories wires the repository set. rdb may be nil; the drug-master
// cache is then skipped.
func NewRepositories(db *gorm.DB, rdb *redis.Client) *Repositories {
	return &Repositories{
		Request:    NewRequestRepository(db),
		Item:       NewItemRepository(db),
		Drug:       NewDrugRepository(db, rdb),
		Allocation: NewAllocationRepository(db),
	}
}
