package faq

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound means no document exists for the requested key.
var ErrNotFound = errors.New("no faq entry for key")

// Document is one displayable help entry. Formulas mentioned in bodies are
// user education; nothing here is ever computed.
type Document struct {
	Key     string   `yaml:"key" json:"key"`
	Title   string   `yaml:"title" json:"title"`
	Body    string   `yaml:"body" json:"body"`
	Aliases []string `yaml:"aliases,omitempty" json:"aliases,omitempty"`
}

// Table is a static key-to-document lookup, consumed as an opaque table by
// the command layer.
type Table struct {
	docs    map[string]Document
	aliases map[string]string
}

type tableFile struct {
	Entries []Document `yaml:"entries"`
}

// Load reads a FAQ table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading faq file: %w", err)
	}

	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing faq file: %w", err)
	}
	return New(file.Entries), nil
}

// New builds a table from entries. Later entries win on duplicate keys.
func New(entries []Document) *Table {
	t := &Table{
		docs:    make(map[string]Document, len(entries)),
		aliases: make(map[string]string),
	}
	for _, doc := range entries {
		key := normalize(doc.Key)
		if key == "" {
			continue
		}
		doc.Key = key
		t.docs[key] = doc
		for _, alias := range doc.Aliases {
			if alias = normalize(alias); alias != "" {
				t.aliases[alias] = key
			}
		}
	}
	return t
}

// Get returns the document for a key or one of its aliases.
func (t *Table) Get(key string) (*Document, error) {
	key = normalize(key)
	if canonical, ok := t.aliases[key]; ok {
		key = canonical
	}
	doc, ok := t.docs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

// Keys returns all canonical keys, sorted.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.docs))
	for k := range t.docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Default returns the built-in table used when no FAQ file is configured.
func Default() *Table {
	return New([]Document{
		{
			Key:   "apm",
			Title: "APM — Attack Per Minute",
			Body:  "Average garbage lines sent per minute of play, as reported by the ranking service.",
		},
		{
			Key:   "pps",
			Title: "PPS — Pieces Per Second",
			Body:  "Average pieces placed per second, as reported by the ranking service.",
		},
		{
			Key:     "vs",
			Title:   "VS Score",
			Body:    "Versus score: (attack + downstack) / pieces, scaled by 100. Reported upstream; shown here for reference only.",
			Aliases: []string{"versus"},
		},
		{
			Key:     "app",
			Title:   "APP — Attack Per Piece",
			Body:    "Derived as APM / (PPS * 60). Not tracked by the ranking service; compute it yourself from the shown stats.",
			Aliases: []string{"attack per piece"},
		},
		{
			Key:     "tr",
			Title:   "TR — Tetra Rating",
			Body:    "Glicko-derived ladder rating between 0 and 25000. Decides standings seeding.",
			Aliases: []string{"rating"},
		},
		{
			Key:     "rd",
			Title:   "RD — Rating Deviation",
			Body:    "Confidence interval around the rating. High RD means the rating is still settling.",
			Aliases: []string{"deviation"},
		},
		{
			Key:     "rank",
			Title:   "Rank Tiers",
			Body:    "Ladder tiers from D up to X. Unranked players show as Z until placement games are done.",
			Aliases: []string{"tier", "ranks"},
		},
	})
}
