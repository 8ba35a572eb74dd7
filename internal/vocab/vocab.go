// Package vocab holds the token vocabulary shared by the dataset, collator,
// model builder and generator.
package vocab

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Special tokens.
const (
	Pad   = "<pad>"
	Unk   = "<unk>"
	Start = "<start>"
	End   = "<end>"
)

var specials = []string{Pad, Unk, Start, End}

// ErrLoad is wrapped by every error returned from Load.
var ErrLoad = errors.New("vocab: load failed")

// Vocab is an immutable token <-> id mapping.
type Vocab struct {
	toID   map[string]int
	toWord []string

	pad, unk, start, end int
}

// fileData is the JSON layout of a vocabulary file.
type fileData struct {
	ToID   map[string]int `json:"to_id"`
	ToWord map[int]string `json:"to_word"`
	Size   int            `json:"size"`
}

// New builds a vocabulary from tokens where the id of a token is its index.
// All special tokens must be present.
func New(tokens []string) (*Vocab, error) {
	v := &Vocab{
		toID:   make(map[string]int, len(tokens)),
		toWord: append([]string(nil), tokens...),
	}
	for id, tok := range tokens {
		if _, dup := v.toID[tok]; dup {
			return nil, fmt.Errorf("duplicate token %q", tok)
		}
		v.toID[tok] = id
	}
	for _, s := range specials {
		if _, ok := v.toID[s]; !ok {
			return nil, fmt.Errorf("missing special token %s", s)
		}
	}
	v.pad = v.toID[Pad]
	v.unk = v.toID[Unk]
	v.start = v.toID[Start]
	v.end = v.toID[End]
	return v, nil
}

// Load reads a vocabulary from path. Files ending in .txt hold one token per
// line; everything else is parsed as JSON.
func Load(path string) (*Vocab, error) {
	var (
		tokens []string
		err    error
	)
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		tokens, err = readLines(path)
	} else {
		tokens, err = readJSON(path)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	v, err := New(tokens)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoad, path, err)
	}
	return v, nil
}

func readJSON(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var fd fileData
	if err := json.NewDecoder(f).Decode(&fd); err != nil {
		return nil, err
	}
	if fd.Size <= 0 || fd.Size != len(fd.ToWord) {
		return nil, fmt.Errorf("size %d does not match %d entries", fd.Size, len(fd.ToWord))
	}
	tokens := make([]string, fd.Size)
	for id := 0; id < fd.Size; id++ {
		tok, ok := fd.ToWord[id]
		if !ok {
			return nil, fmt.Errorf("id %d missing from to_word", id)
		}
		if fd.ToID != nil {
			if back, ok := fd.ToID[tok]; !ok || back != id {
				return nil, fmt.Errorf("to_id and to_word disagree on %q", tok)
			}
		}
		tokens[id] = tok
	}
	return tokens, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		tokens = append(tokens, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

// Save writes the vocabulary in the JSON layout understood by Load.
func (v *Vocab) Save(path string) error {
	fd := fileData{
		ToID:   make(map[string]int, len(v.toWord)),
		ToWord: make(map[int]string, len(v.toWord)),
		Size:   len(v.toWord),
	}
	for id, tok := range v.toWord {
		fd.ToID[tok] = id
		fd.ToWord[id] = tok
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(fd); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Build creates a character-level vocabulary from corpus. Special tokens come
// first, then characters by descending frequency. maxSize counts specials.
func Build(corpus string, maxSize int) *Vocab {
	charCount := make(map[string]int)
	for _, r := range corpus {
		charCount[normalize(r)]++
	}

	type charFreq struct {
		char string
		freq int
	}
	chars := make([]charFreq, 0, len(charCount))
	for char, freq := range charCount {
		chars = append(chars, charFreq{char, freq})
	}
	sort.Slice(chars, func(i, j int) bool {
		if chars[i].freq != chars[j].freq {
			return chars[i].freq > chars[j].freq
		}
		return chars[i].char < chars[j].char
	})

	tokens := append([]string(nil), specials...)
	for _, cf := range chars {
		if len(tokens) >= maxSize {
			break
		}
		tokens = append(tokens, cf.char)
	}
	v, _ := New(tokens)
	return v
}

func normalize(r rune) string {
	if unicode.IsSpace(r) {
		return " "
	}
	return string(r)
}

// Size returns the number of ids.
func (v *Vocab) Size() int { return len(v.toWord) }

func (v *Vocab) PadID() int   { return v.pad }
func (v *Vocab) UnkID() int   { return v.unk }
func (v *Vocab) StartID() int { return v.start }
func (v *Vocab) EndID() int   { return v.end }

// Valid reports whether id lies in the vocabulary's id range.
func (v *Vocab) Valid(id int) bool { return id >= 0 && id < len(v.toWord) }

// ID returns the id of tok, or the unknown id.
func (v *Vocab) ID(tok string) int {
	if id, ok := v.toID[tok]; ok {
		return id
	}
	return v.unk
}

// Token returns the token for id, or "" when id is out of range.
func (v *Vocab) Token(id int) string {
	if !v.Valid(id) {
		return ""
	}
	return v.toWord[id]
}

// IsSpecial reports whether id is one of the reserved ids.
func (v *Vocab) IsSpecial(id int) bool {
	return id == v.pad || id == v.unk || id == v.start || id == v.end
}

// Encode converts text to ids character by character, without start and end
// markers.
func (v *Vocab) Encode(text string) []int {
	ids := make([]int, 0, len(text))
	for _, r := range text {
		ids = append(ids, v.ID(normalize(r)))
	}
	return ids
}

// Decode converts ids back to text, dropping special tokens.
func (v *Vocab) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if !v.Valid(id) || v.IsSpecial(id) {
			continue
		}
		sb.WriteString(v.toWord[id])
	}
	return sb.String()
}
