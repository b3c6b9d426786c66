package config

import (
	"os"
	"testing"
	"time"
)

func TestLoaderHotReload(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", "[session]\nprogram = \"gedit\"\n")

	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.Program != "gedit" {
		t.Fatalf("unexpected program %q", cfg.Session.Program)
	}

	changed := make(chan *Config, 4)
	l.OnChange(func(c *Config) { changed <- c })
	if err := l.Watch(); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := os.WriteFile(path, []byte("[session]\nprogram = \"kate\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Session.Program != "kate" {
			t.Errorf("expected reloaded program kate, got %q", c.Session.Program)
		}
		if l.Config().Session.Program != "kate" {
			t.Error("Config() should return the reloaded config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestLoaderKeepsConfigOnInvalidReload(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", "[session]\nprogram = \"gedit\"\n")

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("[logging]\nformat = \"xml\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err == nil {
		t.Fatal("expected validation error")
	}
	if l.Config().Session.Program != "gedit" {
		t.Error("an invalid reload must keep the previous config")
	}
}

func TestLoaderReloadNotifiesEveryCallback(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", "[session]\nprogram = \"gedit\"\n")

	l := NewLoader(path)
	if _, err := l.Load(); err != nil {
		t.Fatal(err)
	}
	var got []string
	l.OnChange(func(c *Config) { got = append(got, "first:"+c.Session.Program) })
	l.OnChange(func(c *Config) { got = append(got, "second:"+c.Session.Program) })

	if err := os.WriteFile(path, []byte("[session]\nprogram = \"kate\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "first:kate" || got[1] != "second:kate" {
		t.Errorf("unexpected notifications %v", got)
	}
}

func TestLoaderLoadReturnsPrivateCopy(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.toml", "[session]\nprogram = \"gedit\"\n")

	l := NewLoader(path)
	cfg, err := l.Load()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Session.Program = "changed"
	if l.Config().Session.Program != "gedit" {
		t.Error("modifying the loaded config must not change the loader's copy")
	}
}
