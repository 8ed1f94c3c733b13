// Package corpus holds the inputs retained by a worker and loads seeds from disk.
package corpus

import (
	"crypto/md5"
	"encoding/hex"
	"sync"
	"time"
)

// Where an entry came from.
const (
	SourceSeed   = "seed"   // initial corpus directories
	SourceImport = "import" // picked up from the sync directory while fuzzing
	SourceFuzz   = "fuzz"   // mutated input judged interesting
)

type Entry struct {
	ID     int
	Data   []byte
	Source string
	Added  time.Time
}

// Corpus is an in-memory, deduplicated set of inputs scheduled round robin.
type Corpus struct {
	mu      sync.Mutex
	entries []Entry
	hashes  map[string]struct{}
	next    int
}

func New() *Corpus {
	return &Corpus{hashes: make(map[string]struct{})}
}

// Add stores a copy of data. It returns false if the same bytes are already present.
func (c *Corpus) Add(data []byte, source string) bool {
	sum := md5.Sum(data)
	key := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.hashes[key]; ok {
		return false
	}
	c.hashes[key] = struct{}{}
	c.entries = append(c.entries, Entry{
		ID:     len(c.entries),
		Data:   append([]byte(nil), data...),
		Source: source,
		Added:  time.Now(),
	})
	return true
}

func (c *Corpus) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Next returns entries in insertion order, wrapping around at the end.
func (c *Corpus) Next() (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) == 0 {
		return Entry{}, false
	}
	if c.next >= len(c.entries) {
		c.next = 0
	}
	e := c.entries[c.next]
	c.next++
	return e, true
}

// At returns entry i. Callers must not modify the returned data.
func (c *Corpus) At(i int) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries[i]
}
