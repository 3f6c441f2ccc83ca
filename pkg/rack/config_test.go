package rack

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	// No explicit path and no file at the default location: pure defaults.
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.UDPLogPort != 5555 {
		t.Errorf("UDPLogPort = %d, want 5555", cfg.UDPLogPort)
	}
	if cfg.PythonExe != "python3" {
		t.Errorf("PythonExe = %q", cfg.PythonExe)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "http_addr: \":9090\"\nudp_log_port: 6000\nproxy_exe: /opt/proxy.py\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.UDPLogPort != 6000 || cfg.ProxyExe != "/opt/proxy.py" {
		t.Errorf("cfg = %+v", cfg)
	}
	// Unset keys keep their defaults.
	if cfg.SlotsFile != "/etc/rfc2217/slots.json" {
		t.Errorf("SlotsFile = %q, want default", cfg.SlotsFile)
	}
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("explicitly named missing config should fail")
	}
}

func TestLoadConfigSlotsEnvOverride(t *testing.T) {
	t.Setenv("LABRACK_SLOTS", "/custom/slots.json")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.SlotsFile != "/custom/slots.json" {
		t.Errorf("SlotsFile = %q, want env override", cfg.SlotsFile)
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(":\n\t bad"), 0644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("unparseable config should fail")
	}
}
