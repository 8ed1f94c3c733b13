// Package dict loads AFL-style token dictionaries used by the mutator.
package dict

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Tokens is a deduplicated, ordered list of dictionary entries.
type Tokens struct {
	entries [][]byte
	seen    map[string]struct{}
}

func NewTokens() *Tokens {
	return &Tokens{seen: make(map[string]struct{})}
}

// Add appends a token unless it is empty or already present.
func (t *Tokens) Add(tok []byte) bool {
	if len(tok) == 0 {
		return false
	}
	if _, ok := t.seen[string(tok)]; ok {
		return false
	}
	t.seen[string(tok)] = struct{}{}
	t.entries = append(t.entries, append([]byte(nil), tok...))
	return true
}

func (t *Tokens) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

func (t *Tokens) At(i int) []byte {
	return t.entries[i]
}

// Load parses and merges dictionary files. Every file must exist and be well formed.
func Load(paths ...string) (*Tokens, error) {
	tokens := NewTokens()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dict file %s: %w", path, err)
		}
		err = tokens.parse(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("malformed dict file %s: %w", path, err)
		}
	}
	return tokens, nil
}

// Parse reads a dictionary from r.
//
// Each non-empty line not starting with '#' holds one token in double quotes,
// optionally preceded by a name and '=' (name="value"). Escapes \\, \" and \xNN are
// understood.
func Parse(r io.Reader) (*Tokens, error) {
	tokens := NewTokens()
	if err := tokens.parse(r); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (t *Tokens) parse(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tok, err := parseLine(line)
		if err != nil {
			return fmt.Errorf("line %d: %w", lineno, err)
		}
		t.Add(tok)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanner error: %w", err)
	}
	return nil
}

func parseLine(line string) ([]byte, error) {
	start := strings.IndexByte(line, '"')
	if start < 0 || len(line) < start+2 || line[len(line)-1] != '"' {
		return nil, fmt.Errorf("token is not quoted: %q", line)
	}
	if prefix := strings.TrimSpace(line[:start]); prefix != "" && !strings.HasSuffix(prefix, "=") {
		return nil, fmt.Errorf("invalid token name: %q", line)
	}
	return unescape(line[start+1 : len(line)-1])
}

func unescape(s string) ([]byte, error) {
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			buf.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return nil, fmt.Errorf("dangling escape in %q", s)
		}
		switch s[i] {
		case '\\', '"':
			buf.WriteByte(s[i])
		case 'x':
			if i+3 > len(s) {
				return nil, fmt.Errorf("short hex escape in %q", s)
			}
			v, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid hex escape in %q", s)
			}
			buf.WriteByte(byte(v))
			i += 2
		default:
			return nil, fmt.Errorf("unknown escape \\%c in %q", s[i], s)
		}
	}
	return buf.Bytes(), nil
}
