// Package thread rebuilds comment threads from the flat parent links of a
// decoded feed.
package thread

import (
	"sort"

	"annosync/internal/annotation"
)

// Index groups records under their parents. Every root gets an entry, empty
// when it has no replies. Links whose child or parent is missing from
// records are dropped.
//
// Replies are ordered by creation time. Records without a timestamp follow
// all timestamped siblings; ties are broken by id.
func Index(childToParent map[string]string, records map[string]annotation.Record) map[string][]annotation.Record {
	children := make(map[string][]annotation.Record)
	for child, parent := range childToParent {
		record, ok := records[child]
		if !ok {
			continue
		}
		if parent == "" {
			if _, exists := children[child]; !exists {
				children[child] = nil
			}
			continue
		}
		if _, ok := records[parent]; !ok {
			continue
		}
		children[parent] = append(children[parent], record)
	}
	for parent, replies := range children {
		Sort(replies)
		children[parent] = replies
	}
	return children
}

// Sort orders replies in place.
func Sort(replies []annotation.Record) {
	sort.SliceStable(replies, func(i, j int) bool {
		return Less(replies[i], replies[j])
	})
}

// Less reports whether a sorts before b within one thread.
func Less(a, b annotation.Record) bool {
	switch {
	case a.HasTimestamp() && b.HasTimestamp():
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
	case a.HasTimestamp() != b.HasTimestamp():
		return a.HasTimestamp()
	}
	return a.ID < b.ID
}

// Dangling returns the ids whose parent link points at a record that is not
// in records, sorted.
func Dangling(childToParent map[string]string, records map[string]annotation.Record) []string {
	var ids []string
	for child, parent := range childToParent {
		if parent == "" {
			continue
		}
		if _, ok := records[parent]; !ok {
			ids = append(ids, child)
		}
	}
	sort.Strings(ids)
	return ids
}

// Roots returns the records without a parent, ordered like replies.
func Roots(childToParent map[string]string, records map[string]annotation.Record) []annotation.Record {
	var roots []annotation.Record
	for child, parent := range childToParent {
		if parent != "" {
			continue
		}
		if record, ok := records[child]; ok {
			roots = append(roots, record)
		}
	}
	Sort(roots)
	return roots
}

// Build assembles Thread values for every root, in root order.
func Build(childToParent map[string]string, records map[string]annotation.Record) []annotation.Thread {
	index := Index(childToParent, records)
	roots := Roots(childToParent, records)
	threads := make([]annotation.Thread, 0, len(roots))
	for _, root := range roots {
		threads = append(threads, annotation.Thread{RootID: root.ID, Replies: index[root.ID]})
	}
	return threads
}
