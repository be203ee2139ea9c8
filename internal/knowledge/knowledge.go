// Package knowledge manages the on-disk vector databases the research
// tools search against. Each database is a directory holding a chromem
// collection for semantic search plus a JSON entry index for exact and
// substring lookups that must work without an embedding backend.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"loom/internal/jsonx"
	"loom/internal/logging"
)

// ErrDatabaseNotFound reports that no database directory exists under the
// catalog root for the requested name.
var ErrDatabaseNotFound = errors.New("knowledge database not found")

// Failed loads are not retried until this much time has passed.
const loadRetryCooldown = 60 * time.Second

const (
	collectionName = "chunks"
	vectorsDirName = "vectors"
	entriesFile    = "entries.json"
)

// Entry is one indexed chunk of source material.
type Entry struct {
	ID       string `json:"id"`
	Source   string `json:"source,omitempty"`
	TypeName string `json:"type_name,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	Text     string `json:"text"`
}

// Hit is a search result with its cosine similarity score.
type Hit struct {
	Entry Entry
	Score float64
}

// Config configures a Catalog.
type Config struct {
	// Dir is the root directory; each immediate subdirectory is a database.
	Dir      string
	Embedder Embedder
	Logger   logging.Logger
}

// Catalog opens databases lazily by name and caches them. A database that
// fails to load is retried only after a cooldown so a corrupt directory
// does not hammer the disk on every tool call.
type Catalog struct {
	dir      string
	embedder Embedder
	logger   logging.Logger

	mu     sync.Mutex
	open   map[string]*Database
	failed map[string]loadFailure
}

type loadFailure struct {
	at  time.Time
	err error
}

func NewCatalog(cfg Config) *Catalog {
	return &Catalog{
		dir:      cfg.Dir,
		embedder: cfg.Embedder,
		logger:   logging.OrNop(cfg.Logger),
		open:     make(map[string]*Database),
		failed:   make(map[string]loadFailure),
	}
}

// Databases lists the names of the databases present on disk.
func (c *Catalog) Databases() []string {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, d := range dirents {
		if d.IsDir() {
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names
}

// Open returns the named database, loading it on first use.
func (c *Catalog) Open(name string) (*Database, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.open[name]; ok {
		return db, nil
	}
	if f, ok := c.failed[name]; ok && time.Since(f.at) < loadRetryCooldown {
		return nil, f.err
	}

	db, err := openDatabase(filepath.Join(c.dir, name), name, c.embedder)
	if err != nil {
		if !errors.Is(err, ErrDatabaseNotFound) {
			c.logger.Error("Failed to load knowledge database %s: %v", name, err)
			c.failed[name] = loadFailure{at: time.Now(), err: err}
		}
		return nil, err
	}

	delete(c.failed, name)
	c.open[name] = db
	return db, nil
}

// Create makes the named database directory if needed and opens it.
func (c *Catalog) Create(name string) (*Database, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(c.dir, name), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	return c.Open(name)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid database name: %q", name)
	}
	return nil
}

// Database is one opened knowledge database.
type Database struct {
	name       string
	dir        string
	collection *chromem.Collection
	embedder   Embedder

	mu      sync.RWMutex
	entries []Entry
	byID    map[string]int
}

func openDatabase(dir, name string, embedder Embedder) (*Database, error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrDatabaseNotFound, name)
	}

	store, err := chromem.NewPersistentDB(filepath.Join(dir, vectorsDirName), false)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	embedQuery := func(ctx context.Context, text string) ([]float32, error) {
		if embedder == nil {
			return nil, fmt.Errorf("no embedder configured")
		}
		vec, err := embedder.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		return normalize(vec), nil
	}
	collection, err := store.GetOrCreateCollection(collectionName, nil, embedQuery)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}

	db := &Database{
		name:       name,
		dir:        dir,
		collection: collection,
		embedder:   embedder,
		byID:       make(map[string]int),
	}
	if err := db.loadEntries(); err != nil {
		return nil, err
	}
	return db, nil
}

func (d *Database) loadEntries() error {
	data, err := os.ReadFile(filepath.Join(d.dir, entriesFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []Entry
	if err := jsonx.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse %s: %w", entriesFile, err)
	}
	d.entries = entries
	for i, e := range entries {
		d.byID[e.ID] = i
	}
	return nil
}

func (d *Database) Name() string { return d.name }

// Count returns the number of vector-indexed chunks.
func (d *Database) Count() int { return d.collection.Count() }

// Add indexes entries, embedding their text and replacing any existing
// entry with the same ID. The entry index is persisted after each call.
func (d *Database) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if d.embedder == nil {
		return fmt.Errorf("no embedder configured")
	}

	for _, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("entry missing id")
		}
		vec, err := d.embedder.EmbedDocument(ctx, e.Text)
		if err != nil {
			return fmt.Errorf("embed entry %s: %w", e.ID, err)
		}
		doc := chromem.Document{
			ID:        e.ID,
			Content:   e.Text,
			Embedding: normalize(vec),
			Metadata:  entryMetadata(e),
		}
		if err := d.collection.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("add entry %s: %w", e.ID, err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if i, ok := d.byID[e.ID]; ok {
			d.entries[i] = e
		} else {
			d.byID[e.ID] = len(d.entries)
			d.entries = append(d.entries, e)
		}
	}
	return d.saveEntriesLocked()
}

func (d *Database) saveEntriesLocked() error {
	data, err := jsonx.MarshalIndent(d.entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dir, entriesFile), data, 0o644)
}

func entryMetadata(e Entry) map[string]string {
	meta := make(map[string]string)
	if e.Source != "" {
		meta["source"] = e.Source
	}
	if e.TypeName != "" {
		meta["type_name"] = e.TypeName
	}
	if e.FilePath != "" {
		meta["file_path"] = e.FilePath
	}
	return meta
}

// Search runs a semantic query. sourceFilter, when set, restricts hits to
// entries with a matching source tag.
func (d *Database) Search(ctx context.Context, query string, topK int, sourceFilter string) ([]Hit, error) {
	count := d.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK < 1 {
		topK = 1
	}
	n := min(topK, count)

	var where map[string]string
	if sourceFilter != "" {
		where = map[string]string{"source": sourceFilter}
	}

	results, err := d.collection.Query(ctx, query, n, where, nil)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		entry := Entry{
			ID:       r.ID,
			Source:   r.Metadata["source"],
			TypeName: r.Metadata["type_name"],
			FilePath: r.Metadata["file_path"],
			Text:     r.Content,
		}
		if i, ok := d.byID[r.ID]; ok {
			entry = d.entries[i]
		}
		hits = append(hits, Hit{Entry: entry, Score: float64(r.Similarity)})
	}
	return hits, nil
}

// Lookup finds entries by symbol name without touching the embedding
// backend. Match rungs, most precise first: exact type name, substring of
// the type name, substring of the chunk text.
func (d *Database) Lookup(name string, topK int) []Entry {
	if topK < 1 {
		topK = 1
	}
	lower := strings.ToLower(name)

	d.mu.RLock()
	defer d.mu.RUnlock()

	rungs := []func(Entry) bool{
		func(e Entry) bool { return e.TypeName == name },
		func(e Entry) bool {
			return e.TypeName != "" && strings.Contains(strings.ToLower(e.TypeName), lower)
		},
		func(e Entry) bool { return strings.Contains(strings.ToLower(e.Text), lower) },
	}
	for _, match := range rungs {
		var found []Entry
		for _, e := range d.entries {
			if match(e) {
				found = append(found, e)
				if len(found) == topK {
					break
				}
			}
		}
		if len(found) > 0 {
			return found
		}
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return vec
	}
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
