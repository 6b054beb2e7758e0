package adapter

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProfilesMissingDirUsesBuiltins(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "nope"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p, ok := profiles["whatsapp-web"]
	if !ok {
		t.Fatal("built-in whatsapp-web profile missing")
	}
	if p.URL != "https://web.whatsapp.com" {
		t.Fatalf("unexpected built-in URL %q", p.URL)
	}
}

func TestLoadProfilesOverridesBuiltinFields(t *testing.T) {
	dir := t.TempDir()
	override := "url: https://web.whatsapp.com/v2\nchatList: '#sidebar'\n"
	if err := os.WriteFile(filepath.Join(dir, "whatsapp-web.yaml"), []byte(override), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadProfiles(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	p := profiles["whatsapp-web"]
	if p.URL != "https://web.whatsapp.com/v2" {
		t.Fatalf("override not applied, url %q", p.URL)
	}
	if p.ChatList != "#sidebar" {
		t.Fatalf("override not applied, chatList %q", p.ChatList)
	}
	// Fields absent from the YAML keep their built-in values.
	if p.Input == "" {
		t.Fatal("unset fields must keep built-in defaults")
	}
}

func TestLoadProfilesSkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("url: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadProfiles(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := profiles["broken"]; ok {
		t.Fatal("unparseable profile must be skipped")
	}
	if _, ok := profiles["notes"]; ok {
		t.Fatal("non-yaml files must be ignored")
	}
	if _, ok := profiles["whatsapp-web"]; !ok {
		t.Fatal("built-ins must survive a bad profile dir")
	}
}

func TestLoadProfilesAddsNewPlatform(t *testing.T) {
	dir := t.TempDir()
	custom := "url: https://web.telegram.org\nchatList: '.chatlist'\n"
	if err := os.WriteFile(filepath.Join(dir, "telegram-web.yml"), []byte(custom), 0o644); err != nil {
		t.Fatal(err)
	}

	profiles, err := LoadProfiles(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	p, ok := profiles["telegram-web"]
	if !ok {
		t.Fatal("new platform profile not loaded")
	}
	if p.URL != "https://web.telegram.org" {
		t.Fatalf("unexpected url %q", p.URL)
	}
}
