package store_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tmuxdeck/internal/fault"
	"tmuxdeck/internal/logging"
	"tmuxdeck/internal/store"
)

func newTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(dir, "", logging.NopLogger())
	if err != nil {
		t.Fatalf("store.New error = %v", err)
	}
	return s, dir
}

func TestDefaultSettings(t *testing.T) {
	s, _ := newTestStore(t)
	settings := s.Settings()
	if settings.TelegramNotificationTimeoutSecs != 60 {
		t.Errorf("TelegramNotificationTimeoutSecs = %d, want 60", settings.TelegramNotificationTimeoutSecs)
	}
	if settings.Hotkeys == nil {
		t.Error("Hotkeys map is nil")
	}
}

// TestSettingsRoundTrip verifies persisted settings survive a reopen and
// that the file carries the version field.
func TestSettingsRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)

	if _, err := s.UpdateSettings(func(st *store.Settings) {
		st.TelegramNotificationTimeoutSecs = 120
		st.Hotkeys = map[string]string{"next-window": "ctrl+n"}
	}); err != nil {
		t.Fatalf("UpdateSettings error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatalf("read settings.json: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("settings.json is not valid JSON: %v", err)
	}
	if string(raw["version"]) != "1" {
		t.Errorf("version = %s, want 1", raw["version"])
	}

	reopened, err := store.New(dir, "", logging.NopLogger())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if got := reopened.Settings().TelegramNotificationTimeoutSecs; got != 120 {
		t.Errorf("TelegramNotificationTimeoutSecs after reopen = %d, want 120", got)
	}
	if got := reopened.Settings().Hotkeys["next-window"]; got != "ctrl+n" {
		t.Errorf("Hotkeys[next-window] = %q, want ctrl+n", got)
	}
}

func TestSettingsCopiesDoNotAliasStore(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.UpdateSettings(func(st *store.Settings) {
		st.TelegramChats = []store.TelegramChat{
			{ChatID: 1, Username: "alice", AddedAt: time.Now()},
			{ChatID: 2, Username: "bob", AddedAt: time.Now()},
		}
	}); err != nil {
		t.Fatalf("UpdateSettings error = %v", err)
	}

	// Mutating a returned copy must not leak into the store.
	got := s.Settings()
	got.TelegramChats[0].Username = "mallory"
	got.Hotkeys["next-window"] = "ctrl+n"
	if s.Settings().TelegramChats[0].Username != "alice" {
		t.Error("returned chat slice aliases the store")
	}
	if _, ok := s.Settings().Hotkeys["next-window"]; ok {
		t.Error("returned hotkeys map aliases the store")
	}

	// Compacting in place inside an update must not scramble copies
	// handed out before the update.
	before := s.Settings()
	if _, err := s.UpdateSettings(func(st *store.Settings) {
		kept := st.TelegramChats[:0]
		for _, chat := range st.TelegramChats {
			if chat.ChatID != 1 {
				kept = append(kept, chat)
			}
		}
		st.TelegramChats = kept
	}); err != nil {
		t.Fatalf("UpdateSettings error = %v", err)
	}
	if len(before.TelegramChats) != 2 || before.TelegramChats[0].ChatID != 1 {
		t.Errorf("earlier settings copy changed under an update: %+v", before.TelegramChats)
	}
	if chats := s.Settings().TelegramChats; len(chats) != 1 || chats[0].ChatID != 2 {
		t.Errorf("chats after delete = %+v", chats)
	}
}

// TestUnknownFieldsPreserved verifies fields written by newer versions
// survive a load/save cycle.
func TestUnknownFieldsPreserved(t *testing.T) {
	dir := t.TempDir()
	initial := `{"version": 1, "telegramNotificationTimeoutSecs": 30, "futureFeature": {"x": 1}}`
	if err := os.WriteFile(filepath.Join(dir, "settings.json"), []byte(initial), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := store.New(dir, "", logging.NopLogger())
	if err != nil {
		t.Fatalf("store.New error = %v", err)
	}
	if got := s.Settings().TelegramNotificationTimeoutSecs; got != 30 {
		t.Errorf("TelegramNotificationTimeoutSecs = %d, want 30", got)
	}

	if _, err := s.UpdateSettings(func(st *store.Settings) {
		st.TelegramNotificationTimeoutSecs = 45
	}); err != nil {
		t.Fatalf("UpdateSettings error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["futureFeature"]; !ok {
		t.Error("futureFeature field lost on round-trip")
	}
}

func TestBridgeCRUD(t *testing.T) {
	s, _ := newTestStore(t)

	rec := store.BridgeRecord{
		ID:        "b1",
		Name:      "laptop",
		TokenHash: "hash",
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SaveBridge(rec); err != nil {
		t.Fatalf("SaveBridge error = %v", err)
	}

	got, ok := s.Bridge("b1")
	if !ok {
		t.Fatal("Bridge(b1) not found")
	}
	if got.Name != "laptop" || !got.Enabled {
		t.Errorf("record = %+v", got)
	}

	rec.Enabled = false
	if err := s.SaveBridge(rec); err != nil {
		t.Fatalf("SaveBridge update error = %v", err)
	}
	if got, _ := s.Bridge("b1"); got.Enabled {
		t.Error("Enabled = true after update to false")
	}
	if n := len(s.Bridges()); n != 1 {
		t.Errorf("len(Bridges) = %d, want 1 after update", n)
	}

	if err := s.DeleteBridge("b1"); err != nil {
		t.Fatalf("DeleteBridge error = %v", err)
	}
	if err := s.DeleteBridge("b1"); !fault.IsKind(err, fault.TargetMissing) {
		t.Errorf("second DeleteBridge error = %v, want TargetMissing", err)
	}
}

func TestPinHashRoundTrip(t *testing.T) {
	s, dir := newTestStore(t)
	if s.PinHash() != "" {
		t.Error("PinHash not empty on fresh store")
	}
	if err := s.SetPinHash("argon2id$..."); err != nil {
		t.Fatalf("SetPinHash error = %v", err)
	}

	reopened, err := store.New(dir, "", logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := reopened.PinHash(); got != "argon2id$..." {
		t.Errorf("PinHash after reopen = %q", got)
	}
}

func TestBuiltinTemplatesLoadedAndReadOnly(t *testing.T) {
	tplDir := t.TempDir()
	tpl := `{"name": "Basic Dev", "image": "ubuntu:24.04"}`
	if err := os.WriteFile(filepath.Join(tplDir, "basic-dev.json"), []byte(tpl), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := store.New(t.TempDir(), tplDir, logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}

	got, ok := s.Template("basic-dev")
	if !ok {
		t.Fatal("built-in template basic-dev not found")
	}
	if !got.BuiltIn || got.Name != "Basic Dev" || got.Image != "ubuntu:24.04" {
		t.Errorf("template = %+v", got)
	}

	err = s.SaveTemplate(store.Template{ID: "basic-dev", Name: "clobber"})
	if !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("SaveTemplate over built-in error = %v, want InvalidArgument", err)
	}
	err = s.DeleteTemplate("basic-dev")
	if !fault.IsKind(err, fault.InvalidArgument) {
		t.Errorf("DeleteTemplate of built-in error = %v, want InvalidArgument", err)
	}
}

func TestUserTemplateCRUD(t *testing.T) {
	s, dir := newTestStore(t)

	tpl := store.Template{ID: "mine", Name: "Mine", Image: "alpine"}
	if err := s.SaveTemplate(tpl); err != nil {
		t.Fatalf("SaveTemplate error = %v", err)
	}

	reopened, err := store.New(dir, "", logging.NopLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := reopened.Template("mine")
	if !ok {
		t.Fatal("template mine missing after reopen")
	}
	if got.BuiltIn {
		t.Error("user template marked BuiltIn")
	}

	if err := reopened.DeleteTemplate("mine"); err != nil {
		t.Fatalf("DeleteTemplate error = %v", err)
	}
	if err := reopened.DeleteTemplate("mine"); !fault.IsKind(err, fault.TargetMissing) {
		t.Errorf("DeleteTemplate missing error = %v, want TargetMissing", err)
	}
}

// TestAtomicWriteLeavesNoTempFiles verifies the write-temp-rename path
// cleans up after itself.
func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	s, dir := newTestStore(t)
	if err := s.SetPinHash("h"); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "pin.json" && e.Name() != "settings.json" &&
			e.Name() != "bridges.json" && e.Name() != "templates.json" {
			t.Errorf("unexpected file in data dir: %s", e.Name())
		}
	}
}
