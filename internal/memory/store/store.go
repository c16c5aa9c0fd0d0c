// Package store re-exports the memory-store contract so callers can
// depend on one import path for the interface and pick an implementation
// (inmem, sql, mongo) independently.
package store

import "github.com/stephabauva/wellness-gateway/internal/memory/types"

type Store = types.Store
type OrderBy = types.OrderBy

const (
	OrderByCreatedAtDesc  = types.OrderByCreatedAtDesc
	OrderByImportanceDesc = types.OrderByImportanceDesc
)
