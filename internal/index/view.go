package index

import (
	"cmp"
	"slices"
)

// Default page parameters.
const (
	DefaultPageSize = 50
	MaxPageSize     = 1000
	DefaultOrder    = 1
)

// Query selects a sorted page of a listing. Sort is "time", "size", "num",
// or anything else for the default order. For the named keys Order -1 means
// descending; for the default order (newest first) Order -1 flips it.
type Query struct {
	Sort  string
	Order int
	Page  int
	Size  int
}

// Page is one page of a listing.
type Page struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Pages   int     `json:"pages"`
	Page    int     `json:"page"`
	Size    int     `json:"size"`
}

// Sort orders a copy of entries according to q.
func Sort(entries []Entry, q Query) []Entry {
	out := slices.Clone(entries)
	var key func(a, b Entry) int
	desc := q.Order == -1
	switch q.Sort {
	case "time":
		key = func(a, b Entry) int { return cmp.Compare(a.ModTime, b.ModTime) }
	case "size":
		key = func(a, b Entry) int { return cmp.Compare(a.Size, b.Size) }
	case "num":
		key = func(a, b Entry) int { return cmp.Compare(a.Num, b.Num) }
	default:
		key = func(a, b Entry) int { return cmp.Compare(a.ModTime, b.ModTime) }
		desc = q.Order == 1
	}
	if desc {
		slices.SortStableFunc(out, func(a, b Entry) int { return key(b, a) })
	} else {
		slices.SortStableFunc(out, key)
	}
	return out
}

// Paginate returns page q.Page of entries, which must already be ordered.
func Paginate(entries []Entry, q Query) Page {
	page, size := q.Page, q.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = DefaultPageSize
	}
	size = min(size, MaxPageSize)
	total := len(entries)
	p := Page{
		Total: total,
		Pages: (total + size - 1) / size,
		Page:  page,
		Size:  size,
	}
	if page-1 > total/size {
		p.Entries = []Entry{}
		return p
	}
	start := (page - 1) * size
	if start >= total {
		p.Entries = []Entry{}
		return p
	}
	end := min(start+size, total)
	p.Entries = slices.Clone(entries[start:end])
	return p
}

// View sorts then paginates a listing.
func View(entries []Entry, q Query) Page {
	return Paginate(Sort(entries, q), q)
}
