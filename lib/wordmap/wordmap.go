// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wordmap maps caption tokens to vocabulary indices and back.
package wordmap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bytedance/sonic/decoder"
)

// Reserved tokens every word map must contain.
const (
	StartToken   = "<start>"
	EndToken     = "<end>"
	PadToken     = "<pad>"
	UnknownToken = "<unk>"
)

var (
	// ErrMissingReserved is returned when a word map lacks a reserved token.
	ErrMissingReserved = errors.New("word map is missing a reserved token")
	// ErrUnknownIndex is returned when an index has no word.
	ErrUnknownIndex = errors.New("index not in word map")
)

// WordMap is an immutable bijection between tokens and indices.
type WordMap struct {
	words   map[string]int
	reverse map[int]string

	start, end, pad int
}

// New builds a WordMap from a token to index mapping.
func New(words map[string]int) (*WordMap, error) {
	m := &WordMap{
		words:   make(map[string]int, len(words)),
		reverse: make(map[int]string, len(words)),
	}
	for word, idx := range words {
		if prev, dup := m.reverse[idx]; dup {
			return nil, fmt.Errorf("index %d assigned to both %q and %q", idx, prev, word)
		}
		m.words[word] = idx
		m.reverse[idx] = word
	}

	for _, tok := range []string{StartToken, EndToken, PadToken} {
		if _, ok := m.words[tok]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingReserved, tok)
		}
	}
	m.start = m.words[StartToken]
	m.end = m.words[EndToken]
	m.pad = m.words[PadToken]
	return m, nil
}

// Load reads a JSON object of token to index.
func Load(path string) (*WordMap, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is an operator-supplied word map
	if err != nil {
		return nil, fmt.Errorf("opening word map: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Read parses a JSON word map from r.
func Read(r io.Reader) (*WordMap, error) {
	var words map[string]int
	if err := decoder.NewStreamDecoder(r).Decode(&words); err != nil {
		return nil, fmt.Errorf("parsing word map: %w", err)
	}
	return New(words)
}

// Len returns the vocabulary size.
func (m *WordMap) Len() int { return len(m.words) }

// Start returns the index of <start>.
func (m *WordMap) Start() int { return m.start }

// End returns the index of <end>.
func (m *WordMap) End() int { return m.end }

// Pad returns the index of <pad>.
func (m *WordMap) Pad() int { return m.pad }

// Index returns the index of word.
func (m *WordMap) Index(word string) (int, bool) {
	idx, ok := m.words[word]
	return idx, ok
}

// Lookup returns the word for idx.
func (m *WordMap) Lookup(idx int) (string, error) {
	word, ok := m.reverse[idx]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownIndex, idx)
	}
	return word, nil
}

// Words maps every index of seq to its word, reserved tokens included.
func (m *WordMap) Words(seq []int) ([]string, error) {
	words := make([]string, len(seq))
	for i, idx := range seq {
		word, err := m.Lookup(idx)
		if err != nil {
			return nil, err
		}
		words[i] = word
	}
	return words, nil
}

// IsReserved reports whether idx is <start>, <end> or <pad>.
func (m *WordMap) IsReserved(idx int) bool {
	return idx == m.start || idx == m.end || idx == m.pad
}

// Caption renders seq as text with reserved tokens removed.
func (m *WordMap) Caption(seq []int) (string, error) {
	words := make([]string, 0, len(seq))
	for _, idx := range seq {
		if m.IsReserved(idx) {
			continue
		}
		word, err := m.Lookup(idx)
		if err != nil {
			return "", err
		}
		words = append(words, word)
	}
	return strings.Join(words, " "), nil
}
