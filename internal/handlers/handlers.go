package handlers

import (
	"strings"

	"gorm.io/gorm"
)

const (
	TotalCountHeader = "X-Total-Count"

	defaultPageSize = 100
	maxPageSize     = 500
)

// Query is the list query string: a case-insensitive substring search
// over first name, last name and email, plus limit/offset pagination.
type Query struct {
	Search string `form:"search"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// Clamp normalizes the page window so a caller can neither request an
// unbounded page nor a negative offset.
func (q *Query) Clamp() {
	if q.Limit <= 0 {
		q.Limit = defaultPageSize
	}
	if q.Limit > maxPageSize {
		q.Limit = maxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
}

// SearchFilter applies the substring filter. lower(...) LIKE keeps the
// match case-insensitive on every dialect we run on, ILIKE is
// postgres-only.
func (q *Query) SearchFilter(db *gorm.DB) *gorm.DB {
	if q.Search == "" {
		return db
	}
	pattern := "%" + strings.ToLower(q.Search) + "%"
	return db.Where(
		"lower(first_name) LIKE ? OR lower(last_name) LIKE ? OR lower(email) LIKE ?",
		pattern, pattern, pattern,
	)
}
