// Package vault owns the on-disk representation of work items. The directory
// an item lives in is its lifecycle state, and relocation between directories
// is an atomic rename.
package vault

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/vault-agent/internal/errors"
	"github.com/p-blackswan/vault-agent/internal/models"
)

const itemExt = ".md"

// Non-item locations inside the vault.
const (
	UpdatesDir  = "Updates"
	SignalsDir  = "Signals"
	AuditDir    = "Audit"
	SummaryFile = "Dashboard.md"
)

// DomainDirs are orthogonal tag partitions, never lifecycle states.
var DomainDirs = []string{"Personal", "Business"}

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]*$`)

// Recorder receives one audit entry per successful mutation.
type Recorder interface {
	Record(entry models.AuditEntry)
}

// Store provides typed access to items under a vault root.
type Store struct {
	root     string
	agent    string
	recorder Recorder
	logger   zerolog.Logger
	now      func() time.Time

	onRelocate func(from, to models.State)
	// rename is swapped in tests to simulate cross-device moves.
	rename func(oldpath, newpath string) error
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for header timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.now = clock }
}

// WithRelocateHook registers a callback invoked after each successful relocation.
func WithRelocateHook(fn func(from, to models.State)) Option {
	return func(s *Store) { s.onRelocate = fn }
}

// New creates a store rooted at root acting on behalf of agentID.
func New(root, agentID string, recorder Recorder, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		root:     root,
		agent:    agentID,
		recorder: recorder,
		logger:   logger.With().Str("component", "vault").Logger(),
		now:      time.Now,
		rename:   os.Rename,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the vault root directory.
func (s *Store) Root() string { return s.root }

// Agent returns the agent id this store acts for.
func (s *Store) Agent() string { return s.agent }

// Init creates the directory skeleton. It is safe to call repeatedly.
func (s *Store) Init() error {
	dirs := make([]string, 0, len(models.FixedStates)+8)
	for _, st := range models.FixedStates {
		dirs = append(dirs, string(st))
	}
	dirs = append(dirs,
		string(models.InProgress(s.agent)),
		filepath.Join(UpdatesDir, s.agent),
		filepath.Join(SignalsDir, s.agent),
		filepath.Join(AuditDir, s.agent),
	)
	dirs = append(dirs, DomainDirs...)
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(s.root, d), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

// Dir returns the absolute directory for a state.
func (s *Store) Dir(state models.State) string {
	return filepath.Join(s.root, filepath.FromSlash(string(state)))
}

// Path returns the file path an item would have in state.
func (s *Store) Path(state models.State, id string) string {
	return filepath.Join(s.Dir(state), id+itemExt)
}

// NewID builds a fresh item identifier with the given prefix.
func NewID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}

// ValidID reports whether id is safe to use as a file stem.
func ValidID(id string) bool {
	return validID.MatchString(id) && !strings.Contains(id, "..")
}

// Create writes a new item into state. The id must not exist in any state.
func (s *Store) Create(it models.Item, state models.State) (models.Item, error) {
	if !ValidID(it.ID) {
		return models.Item{}, perrors.Invalid(it.ID, "", "invalid id")
	}
	if !state.Valid() {
		return models.Item{}, fmt.Errorf("create %s: %w: unknown state %q", it.ID, perrors.ErrInvalidState, state)
	}
	if _, err := s.Locate(it.ID); err == nil {
		return models.Item{}, fmt.Errorf("create %s: %w", it.ID, perrors.ErrConflict)
	}

	now := s.now().UTC()
	if it.Created.IsZero() {
		it.Created = now
	}
	it.Modified = now
	if it.Domain == "" {
		it.Domain = "general"
	}

	data, err := Encode(it)
	if err != nil {
		return models.Item{}, err
	}
	path := s.Path(state, it.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.Item{}, err
	}
	if err := writeExclusive(path, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return models.Item{}, fmt.Errorf("create %s: %w", it.ID, perrors.ErrConflict)
		}
		return models.Item{}, fmt.Errorf("create %s: %w", it.ID, err)
	}

	it.State = state
	it.Owner = state.Owner()
	s.record(models.AuditCreate, it.ID, map[string]string{"state": string(state), "type": string(it.Kind)}, nil)
	return it, nil
}

// Entry is one listed file. Err is set when the file could not be decoded.
type Entry struct {
	ID   string
	Path string
	Item models.Item
	Err  error
}

// Scan lists every item file in state in directory order. Files that vanish
// between listing and reading are skipped. Decode failures are returned per
// entry so callers can quarantine them.
func (s *Store) Scan(state models.State) ([]Entry, error) {
	dir := s.Dir(state)
	names, err := readNames(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", state, err)
	}

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		id := strings.TrimSuffix(name, itemExt)
		path := filepath.Join(dir, name)
		it, err := s.load(state, id, path)
		if errors.Is(err, perrors.ErrNotFound) {
			continue
		}
		entries = append(entries, Entry{ID: id, Path: path, Item: it, Err: err})
	}
	return entries, nil
}

// List returns the decodable items in state.
func (s *Store) List(state models.State) ([]models.Item, error) {
	entries, err := s.Scan(state)
	if err != nil {
		return nil, err
	}
	items := make([]models.Item, 0, len(entries))
	for _, e := range entries {
		if e.Err != nil {
			s.logger.Warn().Err(e.Err).Str("item", e.ID).Str("state", string(state)).Msg("skipping undecodable item")
			continue
		}
		items = append(items, e.Item)
	}
	return items, nil
}

// ListOwned returns the items claimed by agentID.
func (s *Store) ListOwned(agentID string) ([]models.Item, error) {
	return s.List(models.InProgress(agentID))
}

// Count returns the number of item files in state without decoding them.
func (s *Store) Count(state models.State) int {
	names, err := readNames(s.Dir(state))
	if err != nil {
		return 0
	}
	return len(names)
}

// Agents returns the agent ids that have a claim directory.
func (s *Store) Agents() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, models.InProgressRoot))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var agents []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			agents = append(agents, e.Name())
		}
	}
	sort.Strings(agents)
	return agents, nil
}

// States returns every state directory, including each agent's claim directory.
func (s *Store) States() []models.State {
	states := append([]models.State(nil), models.FixedStates...)
	agents, _ := s.Agents()
	for _, a := range agents {
		states = append(states, models.InProgress(a))
	}
	return states
}

// Locate returns the state an item currently lives in.
func (s *Store) Locate(id string) (models.State, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("locate %s: %w", id, perrors.ErrNotFound)
	}
	for _, st := range s.States() {
		if _, err := os.Lstat(s.Path(st, id)); err == nil {
			return st, nil
		}
	}
	return "", fmt.Errorf("locate %s: %w", id, perrors.ErrNotFound)
}

// Read finds an item in any state.
func (s *Store) Read(id string) (models.Item, error) {
	state, err := s.Locate(id)
	if err != nil {
		return models.Item{}, err
	}
	return s.ReadIn(state, id)
}

// ReadIn reads an item expected to be in state.
func (s *Store) ReadIn(state models.State, id string) (models.Item, error) {
	if !ValidID(id) {
		return models.Item{}, fmt.Errorf("read %s: %w", id, perrors.ErrNotFound)
	}
	return s.load(state, id, s.Path(state, id))
}

func (s *Store) load(state models.State, id, path string) (models.Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Item{}, fmt.Errorf("read %s: %w", id, perrors.ErrNotFound)
		}
		if isSystemErr(err) {
			return models.Item{}, fmt.Errorf("read %s: %w", id, err)
		}
		return models.Item{}, perrors.Corrupt(id, path, err)
	}
	it, err := Decode(id, path, data)
	if err != nil {
		return models.Item{}, err
	}
	it.State = state
	it.Owner = state.Owner()
	return it, nil
}

// Relocate moves an item between states with an atomic rename. When two
// callers race on the same source exactly one wins and the other observes
// ErrNotFound. An existing destination yields ErrConflict.
func (s *Store) Relocate(id string, from, to models.State) error {
	if !ValidID(id) {
		return fmt.Errorf("relocate %s: %w", id, perrors.ErrNotFound)
	}
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("relocate %s %s->%s: %w", id, from, to, perrors.ErrInvalidState)
	}
	if from == to {
		return nil
	}

	src := s.Path(from, id)
	dst := s.Path(to, id)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("relocate %s: %w", id, err)
	}
	if _, err := os.Lstat(dst); err == nil {
		return fmt.Errorf("relocate %s to %s: %w", id, to, perrors.ErrConflict)
	}

	err := s.rename(src, dst)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("relocate %s from %s: %w", id, from, perrors.ErrNotFound)
	case errors.Is(err, syscall.EXDEV):
		if err := moveAcrossDevices(src, dst); err != nil {
			return fmt.Errorf("relocate %s: %w", id, err)
		}
	default:
		return fmt.Errorf("relocate %s: %w", id, err)
	}

	s.logger.Debug().Str("item", id).Str("from", string(from)).Str("to", string(to)).Msg("item relocated")
	if s.onRelocate != nil {
		s.onRelocate(from, to)
	}
	s.record(models.AuditRelocate, id, map[string]string{"from": string(from), "to": string(to)}, nil)
	return nil
}

// Write replaces the content of an item in its current state. The state is
// never changed by a write; Modified is stamped.
func (s *Store) Write(it models.Item) (models.Item, error) {
	if !ValidID(it.ID) {
		return models.Item{}, perrors.Invalid(it.ID, "", "invalid id")
	}
	path := s.Path(it.State, it.ID)
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.Item{}, fmt.Errorf("write %s in %s: %w", it.ID, it.State, perrors.ErrNotFound)
		}
		return models.Item{}, fmt.Errorf("write %s: %w", it.ID, err)
	}

	it.Modified = s.now().UTC()
	data, err := Encode(it)
	if err != nil {
		return models.Item{}, err
	}
	if err := WriteAtomic(path, data); err != nil {
		return models.Item{}, fmt.Errorf("write %s: %w", it.ID, err)
	}
	it.Owner = it.State.Owner()
	s.record(models.AuditWrite, it.ID, map[string]string{"state": string(it.State)}, nil)
	return it, nil
}

// Edit reads an item from state, applies fn and writes it back.
func (s *Store) Edit(state models.State, id string, fn func(*models.Item) error) (models.Item, error) {
	it, err := s.ReadIn(state, id)
	if err != nil {
		return models.Item{}, err
	}
	if err := fn(&it); err != nil {
		return models.Item{}, err
	}
	it.ID = id
	it.State = state
	return s.Write(it)
}

// SummaryPath returns the path of the shared summary document.
func (s *Store) SummaryPath() string { return filepath.Join(s.root, SummaryFile) }

// UpdatesPath returns the drop directory for agentID's updates.
func (s *Store) UpdatesPath(agentID string) string {
	return filepath.Join(s.root, UpdatesDir, agentID)
}

// SignalPath returns agentID's health signal file.
func (s *Store) SignalPath(agentID string) string {
	return filepath.Join(s.root, SignalsDir, agentID, "health.json")
}

// AuditPath returns agentID's audit directory.
func (s *Store) AuditPath(agentID string) string {
	return filepath.Join(s.root, AuditDir, agentID)
}

func (s *Store) record(action, id string, params map[string]string, err error) {
	if s.recorder == nil {
		return
	}
	entry := models.AuditEntry{
		Agent:     s.agent,
		Component: "vault",
		Action:    action,
		ItemID:    id,
		Params:    params,
		Outcome:   models.OutcomeSuccess,
	}
	if err != nil {
		entry.Outcome = models.OutcomeFailure
		entry.Error = err.Error()
	}
	s.recorder.Record(entry)
}

// readNames returns the item file names in dir, sorted.
func readNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, itemExt) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// WriteAtomic writes data to a sibling temp file and renames it into place.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// moveAcrossDevices copies src to dst, verifies the copy and then deletes src.
// If src disappears before the delete another mover won the race and the
// copy is discarded.
func moveAcrossDevices(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return perrors.ErrNotFound
		}
		return err
	}
	if err := writeExclusive(dst, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return perrors.ErrConflict
		}
		return err
	}
	copied, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(copied, data) {
		os.Remove(dst)
		if err == nil {
			err = errors.New("copy verification failed")
		}
		return err
	}
	if err := os.Remove(src); err != nil {
		os.Remove(dst)
		if errors.Is(err, fs.ErrNotExist) {
			return perrors.ErrNotFound
		}
		return err
	}
	return nil
}

func isSystemErr(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EROFS)
}
