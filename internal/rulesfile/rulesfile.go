// Package rulesfile loads automation rules, and optional sandbox fixtures,
// from a YAML document and hot-reloads it on change.
package rulesfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"ad-rule-engine/internal/engine"
	"ad-rule-engine/internal/storage"
)

// Document is the file layout. Objects and Metrics seed the in-memory store
// for sandbox deployments; they are ignored when rules run against Postgres.
type Document struct {
	Rules   []engine.Rule `yaml:"rules"`
	Objects []Object      `yaml:"objects"`
	Metrics []MetricRow   `yaml:"metrics"`
}

type Object struct {
	AccountID string            `yaml:"account_id"`
	ID        string            `yaml:"id"`
	Kind      engine.ObjectKind `yaml:"kind"`
	Name      string            `yaml:"name"`
	Labels    []string          `yaml:"labels"`
}

type MetricRow struct {
	ObjectID    string             `yaml:"object_id"`
	Date        time.Time          `yaml:"date"`
	Spend       float64            `yaml:"spend"`
	Impressions float64            `yaml:"impressions"`
	Clicks      float64            `yaml:"clicks"`
	Results     float64            `yaml:"results"`
	Revenue     float64            `yaml:"revenue"`
	Reach       float64            `yaml:"reach"`
	Extra       map[string]float64 `yaml:"extra"`
}

// Parse decodes and validates a document. Every invalid rule is reported;
// one bad rule rejects the whole document.
func Parse(data []byte) (Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("parse rules: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(doc.Rules))
	for i, r := range doc.Rules {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rules[%d]: %w", i, err))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rules[%d]: duplicate id %q", i, r.ID))
			continue
		}
		seen[r.ID] = true
		doc.Rules[i] = r.Normalize()
	}
	for i, o := range doc.Objects {
		if o.ID == "" || !o.Kind.Valid() {
			errs = append(errs, fmt.Errorf("objects[%d]: id and a valid kind are required", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Read loads and parses the file at path.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read rules %s: %w", path, err)
	}
	doc, err := Parse(data)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Apply loads the rules into st. With fixtures set, objects and metrics are
// seeded as well.
func (d Document) Apply(st *storage.Memory, fixtures bool) {
	st.ReplaceRules(d.Rules)
	if !fixtures {
		return
	}
	for _, o := range d.Objects {
		labels := make([]engine.LabelID, 0, len(o.Labels))
		for _, l := range o.Labels {
			labels = append(labels, engine.NormalizeLabelID(l))
		}
		ref := engine.ObjectRef{ID: engine.NormalizeObjectID(o.ID), Kind: o.Kind, Name: o.Name}
		st.PutObject(o.AccountID, ref, labels...)
	}
	rows := make([]engine.MetricRecord, 0, len(d.Metrics))
	for _, m := range d.Metrics {
		rows = append(rows, engine.MetricRecord{
			ObjectID:    engine.NormalizeObjectID(m.ObjectID),
			Date:        m.Date,
			Spend:       m.Spend,
			Impressions: m.Impressions,
			Clicks:      m.Clicks,
			Results:     m.Results,
			Revenue:     m.Revenue,
			Reach:       m.Reach,
			Extra:       m.Extra,
		})
	}
	st.PutMetrics(rows...)
}

// Source keeps the latest valid document of one file.
type Source struct {
	path     string
	mu       sync.RWMutex
	current  Document
	onChange []func(Document)
}

// NewSource performs the initial load.
func NewSource(path string) (*Source, error) {
	doc, err := Read(path)
	if err != nil {
		return nil, err
	}
	return &Source{path: path, current: doc}, nil
}

func (s *Source) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers a callback invoked after every successful reload.
func (s *Source) OnChange(fn func(Document)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload re-reads the file. On error the previous document stays current.
func (s *Source) Reload() (Document, error) {
	doc, err := Read(s.path)
	if err != nil {
		return Document{}, err
	}
	s.mu.Lock()
	s.current = doc
	callbacks := make([]func(Document), len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(doc)
	}
	return doc, nil
}

// Watch reloads the file whenever it changes. The parent directory is
// watched so editors that replace the file by rename are picked up.
func (s *Source) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rules watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("rules watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				doc, err := s.Reload()
				if err != nil {
					log.Error().Err(err).Str("path", s.path).Msg("rules reload failed; keeping previous rules")
					continue
				}
				log.Info().Str("path", s.path).Int("rules", len(doc.Rules)).Msg("rules reloaded")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("rules watcher error")
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}
