// Package routing caches per-database routing tables, refreshes them via
// the ROUTE procedure, selects servers by role in least-connected order,
// and keeps the optimistic home-database cache.
package routing

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/nornax/bolt-driver/dberr"
)

// Table is the per-database routing table: the three role address sets,
// when it was fetched and for how long it stays fresh.
type Table struct {
	Database  string
	Readers   []string
	Writers   []string
	Routers   []string
	FetchedAt time.Time
	TTL       time.Duration

	invalidated bool
}

// IsStale reports whether the table may no longer be used: TTL past,
// explicitly invalidated, or left without routers.
func (t *Table) IsStale(now time.Time) bool {
	if t == nil || t.invalidated || len(t.Routers) == 0 {
		return true
	}
	return now.After(t.FetchedAt.Add(t.TTL))
}

// Invalidate marks the table stale regardless of TTL.
func (t *Table) Invalidate() {
	if t != nil {
		t.invalidated = true
	}
}

// HasWriter reports whether addr is one of the table's writers.
func (t *Table) HasWriter(addr string) bool {
	return t != nil && slices.Contains(t.Writers, addr)
}

// TableFromRoute parses a ROUTE reply's rt map into a Table.
func TableFromRoute(rt map[string]any, database string, now time.Time) (*Table, error) {
	t := &Table{Database: database, FetchedAt: now}
	ttl, ok := rt["ttl"].(int64)
	if !ok {
		return nil, &dberr.ProtocolViolation{State: "Ready", Message: "ROUTE reply without ttl"}
	}
	t.TTL = time.Duration(ttl) * time.Second
	if db, ok := rt["db"].(string); ok && db != "" {
		t.Database = db
	}
	servers, ok := rt["servers"].([]any)
	if !ok {
		return nil, &dberr.ProtocolViolation{State: "Ready", Message: "ROUTE reply without servers"}
	}
	for _, s := range servers {
		entry, ok := s.(map[string]any)
		if !ok {
			continue
		}
		role, _ := entry["role"].(string)
		var addrs []string
		if raw, ok := entry["addresses"].([]any); ok {
			for _, a := range raw {
				if addr, ok := a.(string); ok {
					addrs = append(addrs, addr)
				}
			}
		}
		switch role {
		case "READ":
			t.Readers = append(t.Readers, addrs...)
		case "WRITE":
			t.Writers = append(t.Writers, addrs...)
		case "ROUTE":
			t.Routers = append(t.Routers, addrs...)
		}
	}
	if len(t.Routers) == 0 {
		return nil, &dberr.ProtocolViolation{State: "Ready", Message: "ROUTE reply with no routers"}
	}
	return t, nil
}
