// pattern: Imperative Shell

package store

import (
	"encoding/json"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
)

// fileVersion is written as the top-level "version" field of every file.
const fileVersion = 1

// Settings is the user-tunable configuration persisted in settings.json.
type Settings struct {
	TelegramNotificationTimeoutSecs int            `json:"telegramNotificationTimeoutSecs"`
	SSHKeyPath                      string         `json:"sshKeyPath,omitempty"`
	DefaultVolumeMounts             []string       `json:"defaultVolumeMounts"`
	Hotkeys                         map[string]string `json:"hotkeys"`
	TelegramChats                   []TelegramChat `json:"telegramChats"`
}

// clone deep-copies the slice and map fields so callers never alias the
// store-owned backing arrays.
func (s Settings) clone() Settings {
	out := s
	out.DefaultVolumeMounts = slices.Clone(s.DefaultVolumeMounts)
	out.Hotkeys = maps.Clone(s.Hotkeys)
	out.TelegramChats = slices.Clone(s.TelegramChats)
	return out
}

// TelegramChat is a registered chat the notifier may deliver to.
type TelegramChat struct {
	ChatID   int64     `json:"chatId"`
	Username string    `json:"username"`
	AddedAt  time.Time `json:"addedAt"`
}

// DefaultSettings returns the settings used before any are persisted.
func DefaultSettings() Settings {
	return Settings{
		TelegramNotificationTimeoutSecs: 60,
		DefaultVolumeMounts:             []string{},
		Hotkeys:                         map[string]string{},
		TelegramChats:                   []TelegramChat{},
	}
}

// BridgeRecord is the persisted form of a registered bridge agent. Only
// the token hash is stored; the cleartext token is shown once at creation.
type BridgeRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TokenHash string    `json:"tokenHash"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"createdAt"`
}

// Template describes a container recipe. Built-in templates come from the
// templates directory and cannot be mutated through the store.
type Template struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Image       string            `json:"image,omitempty"`
	Dockerfile  string            `json:"dockerfile,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Volumes     []string          `json:"volumes,omitempty"`
	BuiltIn     bool              `json:"builtIn"`
}

// Store persists all durable state as JSON files under a data directory.
// Writes are atomic (write-to-temp then rename) and unknown fields found
// in existing files survive a load/save round-trip.
type Store struct {
	dir          string
	templatesDir string
	log          *logging.ScopedLogger

	mu            sync.Mutex
	settings      Settings
	settingsExtra map[string]json.RawMessage
	bridges       []BridgeRecord
	bridgesExtra  map[string]json.RawMessage
	templates     []Template
	templatesExtra map[string]json.RawMessage
	builtins      []Template
	pinHash       string
	pinExtra      map[string]json.RawMessage
}

// New opens (or initializes) a store rooted at dir. templatesDir may be
// empty, in which case no built-in templates exist.
func New(dir, templatesDir string, log *logging.ScopedLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.Internal, err, "create data dir")
	}

	s := &Store{
		dir:          dir,
		templatesDir: templatesDir,
		log:          log,
		settings:     DefaultSettings(),
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	s.builtins = loadBuiltinTemplates(templatesDir, log)
	return s, nil
}

func (s *Store) loadAll() error {
	var err error

	var settings Settings
	s.settingsExtra, err = readDoc(s.path("settings.json"), &settings)
	if err != nil {
		return err
	}
	if s.settingsExtra != nil {
		applySettingsDefaults(&settings)
		s.settings = settings
	}

	var bridgesDoc struct {
		Bridges []BridgeRecord `json:"bridges"`
	}
	s.bridgesExtra, err = readDoc(s.path("bridges.json"), &bridgesDoc)
	if err != nil {
		return err
	}
	s.bridges = bridgesDoc.Bridges

	var templatesDoc struct {
		Templates []Template `json:"templates"`
	}
	s.templatesExtra, err = readDoc(s.path("templates.json"), &templatesDoc)
	if err != nil {
		return err
	}
	s.templates = templatesDoc.Templates

	var pinDoc struct {
		Hash string `json:"hash"`
	}
	s.pinExtra, err = readDoc(s.path("pin.json"), &pinDoc)
	if err != nil {
		return err
	}
	s.pinHash = pinDoc.Hash

	return nil
}

func applySettingsDefaults(settings *Settings) {
	if settings.TelegramNotificationTimeoutSecs == 0 {
		settings.TelegramNotificationTimeoutSecs = 60
	}
	if settings.DefaultVolumeMounts == nil {
		settings.DefaultVolumeMounts = []string{}
	}
	if settings.Hotkeys == nil {
		settings.Hotkeys = map[string]string{}
	}
	if settings.TelegramChats == nil {
		settings.TelegramChats = []TelegramChat{}
	}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.clone()
}

// UpdateSettings applies fn to the settings under the store lock and
// persists the result.
func (s *Store) UpdateSettings(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := s.settings.clone()
	fn(&updated)
	applySettingsDefaults(&updated)

	if err := writeDoc(s.path("settings.json"), updated, s.settingsExtra); err != nil {
		return s.settings, err
	}
	s.settings = updated
	return updated, nil
}

// Bridges returns a copy of all bridge records.
func (s *Store) Bridges() []BridgeRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BridgeRecord, len(s.bridges))
	copy(out, s.bridges)
	return out
}

// Bridge looks up one bridge record by id.
func (s *Store) Bridge(id string) (BridgeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.bridges {
		if b.ID == id {
			return b, true
		}
	}
	return BridgeRecord{}, false
}

// SaveBridge inserts or replaces a bridge record by id.
func (s *Store) SaveBridge(rec BridgeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i, b := range s.bridges {
		if b.ID == rec.ID {
			s.bridges[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		s.bridges = append(s.bridges, rec)
	}
	return s.saveBridgesLocked()
}

// DeleteBridge removes a bridge record. Missing ids report TargetMissing.
func (s *Store) DeleteBridge(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, b := range s.bridges {
		if b.ID == id {
			s.bridges = append(s.bridges[:i], s.bridges[i+1:]...)
			return s.saveBridgesLocked()
		}
	}
	return fault.New(fault.TargetMissing, "bridge %q not found", id)
}

func (s *Store) saveBridgesLocked() error {
	doc := struct {
		Bridges []BridgeRecord `json:"bridges"`
	}{Bridges: s.bridges}
	return writeDoc(s.path("bridges.json"), doc, s.bridgesExtra)
}

// Templates returns built-in templates followed by user templates.
func (s *Store) Templates() []Template {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Template, 0, len(s.builtins)+len(s.templates))
	out = append(out, s.builtins...)
	out = append(out, s.templates...)
	return out
}

// Template looks up a template by id across built-ins and user templates.
func (s *Store) Template(id string) (Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.builtins {
		if t.ID == id {
			return t, true
		}
	}
	for _, t := range s.templates {
		if t.ID == id {
			return t, true
		}
	}
	return Template{}, false
}

// SaveTemplate inserts or replaces a user template. Built-in ids are
// read-only and report InvalidArgument.
func (s *Store) SaveTemplate(tpl Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.builtins {
		if b.ID == tpl.ID {
			return fault.New(fault.InvalidArgument, "template %q is built-in", tpl.ID)
		}
	}

	tpl.BuiltIn = false
	replaced := false
	for i, t := range s.templates {
		if t.ID == tpl.ID {
			s.templates[i] = tpl
			replaced = true
			break
		}
	}
	if !replaced {
		s.templates = append(s.templates, tpl)
	}
	return s.saveTemplatesLocked()
}

// DeleteTemplate removes a user template.
func (s *Store) DeleteTemplate(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.builtins {
		if b.ID == id {
			return fault.New(fault.InvalidArgument, "template %q is built-in", id)
		}
	}
	for i, t := range s.templates {
		if t.ID == id {
			s.templates = append(s.templates[:i], s.templates[i+1:]...)
			return s.saveTemplatesLocked()
		}
	}
	return fault.New(fault.TargetMissing, "template %q not found", id)
}

func (s *Store) saveTemplatesLocked() error {
	doc := struct {
		Templates []Template `json:"templates"`
	}{Templates: s.templates}
	return writeDoc(s.path("templates.json"), doc, s.templatesExtra)
}

// PinHash returns the stored PIN hash, empty if no PIN is configured.
func (s *Store) PinHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinHash
}

// SetPinHash persists a new PIN hash. An empty hash clears the PIN.
func (s *Store) SetPinHash(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := struct {
		Hash string `json:"hash"`
	}{Hash: hash}
	if err := writeDoc(s.path("pin.json"), doc, s.pinExtra); err != nil {
		return err
	}
	s.pinHash = hash
	return nil
}

// ReloadBuiltins re-reads templates from the templates directory. Called
// by the directory watcher.
func (s *Store) ReloadBuiltins() {
	builtins := loadBuiltinTemplates(s.templatesDir, s.log)
	s.mu.Lock()
	s.builtins = builtins
	s.mu.Unlock()
}
