// Package watcher turns raw files dropped into Inbox/ into inbound_signal
// items in Needs_Action/. It reacts to fsnotify events and also polls, so a
// missed event only delays ingestion.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
	"github.com/p-blackswan/vault-agent/internal/vault"
)

// Priorities assigned to inbound signals.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var (
	highKeywords = []string{"urgent", "asap", "important", "invoice", "payment", "contract"}
	documentExts = map[string]bool{".pdf": true, ".doc": true, ".docx": true}
	unsafeChars  = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)
)

// Priority grades a dropped file by its name.
func Priority(name string) string {
	lower := strings.ToLower(name)
	for _, kw := range highKeywords {
		if strings.Contains(lower, kw) {
			return PriorityHigh
		}
	}
	if documentExts[strings.ToLower(filepath.Ext(name))] {
		return PriorityMedium
	}
	return PriorityLow
}

// SeenIndex remembers which drops were already ingested.
type SeenIndex interface {
	// MarkInboxSeen returns false when name+hash was recorded before.
	MarkInboxSeen(name, hash, itemID string) (bool, error)
	ForgetInbox(name, hash string) error
}

// Config tunes the watcher.
type Config struct {
	Agent        string
	PollInterval time.Duration
	Debounce     time.Duration
}

// Watcher ingests Inbox/ drops.
type Watcher struct {
	cfg      Config
	store    *vault.Store
	seen     SeenIndex
	recorder vault.Recorder
	logger   zerolog.Logger

	mu         sync.Mutex
	debounce   map[string]*time.Timer
	debounceMu sync.Mutex

	// OnIngest is called for every new item. Optional.
	OnIngest func(models.Item)
}

// New creates a watcher over st's inbox.
func New(cfg Config, st *vault.Store, seen SeenIndex, recorder vault.Recorder, logger zerolog.Logger) *Watcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	return &Watcher{
		cfg:      cfg,
		store:    st,
		seen:     seen,
		recorder: recorder,
		logger:   logger.With().Str("component", "watcher").Logger(),
		debounce: make(map[string]*time.Timer),
	}
}

// Run watches until ctx is done. If fsnotify cannot be started the watcher
// falls back to polling alone.
func (w *Watcher) Run(ctx context.Context) error {
	inbox := w.store.Dir(models.StateInbox)
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return err
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fsw.Add(inbox); err != nil {
			fsw.Close()
		}
	}
	if err != nil {
		w.logger.Warn().Err(err).Msg("fsnotify unavailable, polling only")
	} else {
		defer fsw.Close()
		events, errs = fsw.Events, fsw.Errors
	}
	defer w.stopTimers()

	if _, err := w.Scan(); err != nil {
		w.logger.Warn().Err(err).Msg("initial inbox scan failed")
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Atomic writes land as a rename onto the target.
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			path := ev.Name
			w.debounceEvent(path, func() {
				if _, err := w.Ingest(path); err != nil {
					w.logger.Warn().Err(err).Str("path", path).Msg("ingest failed")
				}
			})
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.logger.Warn().Err(err).Msg("watch error")
		case <-ticker.C:
			if _, err := w.Scan(); err != nil {
				w.logger.Warn().Err(err).Msg("inbox scan failed")
			}
		}
	}
}

func (w *Watcher) debounceEvent(path string, fn func()) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.debounce[path]; ok {
		timer.Stop()
	}
	w.debounce[path] = time.AfterFunc(w.cfg.Debounce, func() {
		w.debounceMu.Lock()
		delete(w.debounce, path)
		w.debounceMu.Unlock()
		fn()
	})
}

func (w *Watcher) stopTimers() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	for p, t := range w.debounce {
		t.Stop()
		delete(w.debounce, p)
	}
}

// Scan ingests every file currently in Inbox/ and returns the new items.
func (w *Watcher) Scan() ([]models.Item, error) {
	entries, err := os.ReadDir(w.store.Dir(models.StateInbox))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []models.Item
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		it, err := w.Ingest(filepath.Join(w.store.Dir(models.StateInbox), e.Name()))
		if err != nil {
			w.logger.Warn().Err(err).Str("file", e.Name()).Msg("ingest failed")
			continue
		}
		if it != nil {
			out = append(out, *it)
		}
	}
	return out, nil
}

// Ingest creates an inbound_signal for path. It returns nil, nil when the
// file is hidden, gone, or was already ingested with the same content.
func (w *Watcher) Ingest(path string) (*models.Item, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, nil
	}
	hash, err := fileHash(path)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", name, err)
	}

	id := ItemID(name, hash)
	fresh, err := w.seen.MarkInboxSeen(name, hash, id)
	if err != nil {
		return nil, err
	}
	if !fresh {
		return nil, nil
	}

	priority := Priority(name)
	it := models.Item{
		ID:     id,
		Kind:   models.KindInboundSignal,
		Domain: "general",
		Status: models.StatusPending,
		Params: map[string]string{
			"source":        "inbox",
			"original_name": name,
			"size":          strconv.FormatInt(info.Size(), 10),
			"hash":          hash,
			"priority":      priority,
		},
		Body: body(name, info, priority),
	}
	created, err := w.store.Create(it, models.StateNeedsAction)
	if err != nil {
		if errors.Is(err, perrors.ErrConflict) {
			// Another host ingested the same drop and sync brought it here.
			return nil, nil
		}
		if ferr := w.seen.ForgetInbox(name, hash); ferr != nil {
			w.logger.Warn().Err(ferr).Str("file", name).Msg("forgetting failed ingest")
		}
		return nil, err
	}

	if w.recorder != nil {
		w.recorder.Record(models.AuditEntry{
			Agent:     w.cfg.Agent,
			Component: "watcher",
			Action:    models.AuditIngest,
			ItemID:    id,
			Params:    map[string]string{"file": name, "priority": priority},
			Outcome:   models.OutcomeSuccess,
		})
	}
	w.logger.Info().Str("file", name).Str("item", id).Str("priority", priority).Msg("inbox file ingested")
	if w.OnIngest != nil {
		w.OnIngest(created)
	}
	return &created, nil
}

// ItemID derives a stable id from the drop's name and content, so two hosts
// ingesting the same file agree on the id.
func ItemID(name, hash string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stem = strings.Trim(unsafeChars.ReplaceAllString(stem, "_"), "_-")
	if len(stem) > 48 {
		stem = stem[:48]
	}
	if stem == "" {
		stem = "drop"
	}
	short := hash
	if len(short) > 8 {
		short = short[:8]
	}
	return "FILE_" + stem + "_" + short
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func body(name string, info os.FileInfo, priority string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# File drop: %s\n\n", name)
	fmt.Fprintf(&b, "- Location: `%s/%s`\n", models.StateInbox, name)
	fmt.Fprintf(&b, "- Size: %d bytes\n", info.Size())
	fmt.Fprintf(&b, "- Modified: %s\n", info.ModTime().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Priority: %s\n", priority)
	return b.String()
}
