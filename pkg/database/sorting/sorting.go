// Package sorting provides shared utilities for safe ORDER BY clauses in database repositories.
//
// Sort expressions arrive from query strings, so every column is validated against a
// per-entity whitelist before it reaches SQL.
package sorting

import (
	"strings"
)

// SanitizeSortOrder validates and sanitizes the sort order to prevent SQL injection
// columnWhitelist should contain valid column names for the specific entity
func SanitizeSortOrder(sortOrder string, columnWhitelist map[string]bool, defaultSort string) string {
	if sortOrder == "" {
		return defaultSort
	}

	// Parse the sort order string (could be multiple columns)
	parts := strings.Split(sortOrder, ",")
	var validParts []string

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		// Accept both "name desc" and "-name"
		direction := "ASC"
		if strings.HasPrefix(part, "-") {
			direction = "DESC"
			part = strings.TrimPrefix(part, "-")
		}

		tokens := strings.Fields(part)
		if len(tokens) == 0 {
			continue
		}

		column := strings.ToLower(strings.TrimSpace(tokens[0]))
		if len(tokens) > 1 {
			dir := strings.ToUpper(strings.TrimSpace(tokens[1]))
			if dir == "DESC" || dir == "ASC" {
				direction = dir
			}
		}

		if columnWhitelist[column] {
			validParts = append(validParts, column+" "+direction)
		}
	}

	if len(validParts) == 0 {
		return defaultSort
	}

	return strings.Join(validParts, ", ")
}

// DiskSortColumns defines valid sort columns for Disk entities
var DiskSortColumns = map[string]bool{
	"id":         true,
	"name":       true,
	"size_bytes": true,
	"format":     true,
	"in_use":     true,
	"created_at": true,
	"updated_at": true,
}

// VMSortColumns defines valid sort columns for VM entities
var VMSortColumns = map[string]bool{
	"id":          true,
	"name":        true,
	"status":      true,
	"cpu_cores":   true,
	"memory_size": true,
	"created_at":  true,
	"updated_at":  true,
}
