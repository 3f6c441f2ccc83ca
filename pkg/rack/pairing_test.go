package rack

import (
	"os"
	"testing"
)

func TestPairingFileRoundTrip(t *testing.T) {
	s := testSupervisor(t)

	if p := s.PairStatus(); p.Host != "" {
		t.Errorf("fresh pairing = %+v, want empty", p)
	}

	if err := writePairingFile(s.cfg.PairingFile, Pairing{Host: "dev-1.local", User: "ci"}); err != nil {
		t.Fatalf("writePairingFile: %v", err)
	}
	p := s.PairStatus()
	if p.Host != "dev-1.local" || p.User != "ci" {
		t.Errorf("pairing = %+v", p)
	}

	if err := s.PairDisconnect(); err != nil {
		t.Fatalf("PairDisconnect: %v", err)
	}
	if p := s.PairStatus(); p.Host != "" {
		t.Error("pairing survived disconnect")
	}

	// Disconnect with nothing stored is a no-op.
	if err := s.PairDisconnect(); err != nil {
		t.Errorf("second PairDisconnect: %v", err)
	}
}

func TestReadPairingFileFormat(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/vm.conf"

	tests := []struct {
		name    string
		content string
		want    Pairing
	}{
		{"full", "VM_HOST=10.0.0.5\nVM_USER=dev\n", Pairing{Host: "10.0.0.5", User: "dev"}},
		{"default user", "VM_HOST=10.0.0.5\n", Pairing{Host: "10.0.0.5", User: "dev"}},
		{"comments and junk", "# saved by setup\nVM_HOST=box\nnot a pair\nVM_USER=ci\n", Pairing{Host: "box", User: "ci"}},
		{"no host", "VM_USER=dev\n", Pairing{}},
	}
	for _, tt := range tests {
		if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
			t.Fatal(err)
		}
		got := readPairingFile(path)
		if got != tt.want {
			t.Errorf("%s: readPairingFile = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestPairTestRequiresHost(t *testing.T) {
	s := testSupervisor(t)
	if _, err := s.PairTest("", "dev"); err == nil {
		t.Error("PairTest without host should fail")
	}
}
