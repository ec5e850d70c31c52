package query

// TrimPage exposes trimPage to the external test package.
func TrimPage(entries *[]JournalHistoryEntry, limit int) *int64 {
	return trimPage(entries, limit)
}
