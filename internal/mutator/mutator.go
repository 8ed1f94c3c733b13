// Package mutator implements the default input proposer: stacked havoc
// mutations over corpus entries, with dictionary tokens and splicing.
package mutator

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"sort"

	"snapfuzz/internal/corpus"
	"snapfuzz/internal/dict"
)

const (
	maxDelta      = 35
	maxBlock      = 32
	emptyGenBytes = 64
)

var (
	// Values that tend to hit boundary checks, sorted ascending.
	interestingValues = []uint64{
		0, 1, 2, 3, 4, 7, 8, 9, 10, 15, 16, 31, 32, 63, 64,
		100, 127, 128, 129, 255, 256, 257, 512, 1000, 1023, 1024, 1025,
		4095, 4096, 32767, 32768, 32769, 65535, 65536,
		(1 << 31) - 1, 1 << 31, (1 << 32) - 1, 1 << 32,
		(1 << 63) - 1, 1 << 63, (1 << 64) - 1,
	}
	// interestingIndex[w] bounds the values that fit into w bytes.
	interestingIndex [9]int
)

func init() {
	for w := range interestingIndex {
		bits := uint(8 * w)
		interestingIndex[w] = sort.Search(len(interestingValues), func(i int) bool {
			return bits < 64 && interestingValues[i]>>bits != 0
		})
	}
}

// Havoc proposes inputs derived from a corpus. It is not safe for concurrent use;
// each worker owns one.
type Havoc struct {
	corpus  *corpus.Corpus
	tokens  *dict.Tokens
	maxSize int
	rnd     *rand.Rand
}

// NewHavoc returns a proposer bounded to maxSize bytes. tokens may be nil.
func NewHavoc(c *corpus.Corpus, tokens *dict.Tokens, maxSize int, seed uint64) *Havoc {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Havoc{
		corpus:  c,
		tokens:  tokens,
		maxSize: maxSize,
		rnd:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (h *Havoc) MaxSize() int { return h.maxSize }

// Propose mutates the next scheduled corpus entry. With an empty corpus it
// generates random bytes.
func (h *Havoc) Propose(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entry, ok := h.corpus.Next()
	if !ok {
		return h.randomBytes(1 + h.rnd.IntN(min(h.maxSize, emptyGenBytes))), nil
	}
	return h.Mutate(entry.Data), nil
}

// Mutate applies a random stack of mutations to a copy of data.
func (h *Havoc) Mutate(data []byte) []byte {
	out := make([]byte, len(data), max(len(data), h.maxSize))
	copy(out, data)
	for stop := false; !stop; stop = stop && h.oneOf(3) {
		f := mutations[h.rnd.IntN(len(mutations))]
		out, stop = f(h, out)
	}
	if len(out) > h.maxSize {
		out = out[:h.maxSize]
	}
	return out
}

func (h *Havoc) oneOf(n int) bool { return h.rnd.IntN(n) == 0 }

func (h *Havoc) randomBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(h.rnd.Uint32())
	}
	return b
}

func (h *Havoc) room(data []byte) int { return h.maxSize - len(data) }

// insert grows data by len(chunk) at pos.
func insert(data []byte, pos int, chunk []byte) []byte {
	data = append(data, chunk...)
	copy(data[pos+len(chunk):], data[pos:])
	copy(data[pos:], chunk)
	return data
}

func load(data []byte, width int, big bool) uint64 {
	var order binary.ByteOrder = binary.LittleEndian
	if big {
		order = binary.BigEndian
	}
	switch width {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(order.Uint16(data))
	case 4:
		return uint64(order.Uint32(data))
	default:
		return order.Uint64(data)
	}
}

func store(data []byte, v uint64, width int, big bool) {
	var order binary.ByteOrder = binary.LittleEndian
	if big {
		order = binary.BigEndian
	}
	switch width {
	case 1:
		data[0] = byte(v)
	case 2:
		order.PutUint16(data, uint16(v))
	case 4:
		order.PutUint32(data, uint32(v))
	default:
		order.PutUint64(data, v)
	}
}

// Each mutation returns the new data and whether it changed anything.
var mutations = [...]func(h *Havoc, data []byte) ([]byte, bool){
	// Flip a bit.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[h.rnd.IntN(len(data))] ^= 1 << h.rnd.IntN(8)
		return data, true
	},
	// Replace a byte with a different random value.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if len(data) == 0 {
			return data, false
		}
		data[h.rnd.IntN(len(data))] ^= byte(1 + h.rnd.IntN(255))
		return data, true
	},
	// Add or subtract a small delta from an integer.
	func(h *Havoc, data []byte) ([]byte, bool) {
		width := 1 << h.rnd.IntN(4)
		if len(data) < width {
			return data, false
		}
		i := h.rnd.IntN(len(data) - width + 1)
		big := h.oneOf(2)
		delta := uint64(1 + h.rnd.IntN(maxDelta))
		v := load(data[i:], width, big)
		if h.oneOf(2) {
			v -= delta
		} else {
			v += delta
		}
		store(data[i:], v, width, big)
		return data, true
	},
	// Overwrite an integer with an interesting value.
	func(h *Havoc, data []byte) ([]byte, bool) {
		width := 1 << h.rnd.IntN(4)
		if len(data) < width {
			return data, false
		}
		i := h.rnd.IntN(len(data) - width + 1)
		v := interestingValues[h.rnd.IntN(interestingIndex[width])]
		store(data[i:], v, width, h.oneOf(2))
		return data, true
	},
	// Remove a block.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if len(data) < 2 {
			return data, false
		}
		n := 1 + h.rnd.IntN(min(len(data)-1, maxBlock))
		pos := h.rnd.IntN(len(data) - n + 1)
		return append(data[:pos], data[pos+n:]...), true
	},
	// Insert random bytes.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if h.room(data) <= 0 {
			return data, false
		}
		n := 1 + h.rnd.IntN(min(h.room(data), maxBlock))
		return insert(data, h.rnd.IntN(len(data)+1), h.randomBytes(n)), true
	},
	// Duplicate a block of the input.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if len(data) == 0 || h.room(data) <= 0 {
			return data, false
		}
		n := 1 + h.rnd.IntN(min(len(data), h.room(data), maxBlock))
		src := h.rnd.IntN(len(data) - n + 1)
		block := append([]byte(nil), data[src:src+n]...)
		return insert(data, h.rnd.IntN(len(data)+1), block), true
	},
	// Overwrite with a dictionary token.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if h.tokens.Len() == 0 {
			return data, false
		}
		tok := h.tokens.At(h.rnd.IntN(h.tokens.Len()))
		if len(tok) > len(data) {
			return data, false
		}
		copy(data[h.rnd.IntN(len(data)-len(tok)+1):], tok)
		return data, true
	},
	// Insert a dictionary token.
	func(h *Havoc, data []byte) ([]byte, bool) {
		if h.tokens.Len() == 0 {
			return data, false
		}
		tok := h.tokens.At(h.rnd.IntN(h.tokens.Len()))
		if len(tok) > h.room(data) {
			return data, false
		}
		return insert(data, h.rnd.IntN(len(data)+1), tok), true
	},
	// Splice with another corpus entry.
	func(h *Havoc, data []byte) ([]byte, bool) {
		n := h.corpus.Len()
		if n < 2 || len(data) < 2 {
			return data, false
		}
		other := h.corpus.At(h.rnd.IntN(n)).Data
		if len(other) < 2 {
			return data, false
		}
		cut := 1 + h.rnd.IntN(len(data)-1)
		from := h.rnd.IntN(len(other))
		tail := other[from:]
		if len(tail) > h.maxSize-cut {
			tail = tail[:h.maxSize-cut]
		}
		return append(data[:cut], tail...), true
	},
}
