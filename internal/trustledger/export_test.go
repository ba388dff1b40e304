package trustledger

// Tamper overwrites an entry's content hash in place.
func (l *MemoryLedger) Tamper(index int, contentHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[index].ContentHash = contentHash
}
