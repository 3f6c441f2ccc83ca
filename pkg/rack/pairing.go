package rack

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/labrack/labrack/pkg/actlog"
	"github.com/labrack/labrack/pkg/util"
)

// Pairing identifies the client VM that consumes this rack's endpoints.
type Pairing struct {
	Host string `json:"host"`
	User string `json:"user"`
}

// PairStatus returns the stored pairing; the zero value when none.
func (s *Supervisor) PairStatus() Pairing {
	return readPairingFile(s.cfg.PairingFile)
}

// PairTest verifies SSH reachability of the candidate VM by running a
// trivial command with the operator's default keys.
func (s *Supervisor) PairTest(host, user string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("rack: pairing host required")
	}
	if user == "" {
		user = "dev"
	}

	auth, err := defaultKeyAuth()
	if err != nil {
		return "", err
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	}

	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":22"
	}
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return "", fmt.Errorf("rack: ssh dial %s: %w", addr, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("rack: ssh session: %w", err)
	}
	defer session.Close()

	out, err := session.CombinedOutput("echo ok")
	if err != nil {
		return "", fmt.Errorf("rack: ssh exec: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// PairSetup probes the VM and persists the pairing on success.
func (s *Supervisor) PairSetup(host, user string) error {
	if user == "" {
		user = "dev"
	}
	if _, err := s.PairTest(host, user); err != nil {
		return err
	}
	if err := writePairingFile(s.cfg.PairingFile, Pairing{Host: host, User: user}); err != nil {
		return err
	}
	s.act.Add(actlog.OK, fmt.Sprintf("paired with %s@%s", user, host))
	return nil
}

// PairDisconnect removes the stored pairing. Idempotent.
func (s *Supervisor) PairDisconnect() error {
	err := os.Remove(s.cfg.PairingFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rack: remove pairing: %w", err)
	}
	s.act.Add(actlog.Info, "pairing removed")
	return nil
}

// readPairingFile parses the KEY=VALUE pairing file.
func readPairingFile(path string) Pairing {
	p := Pairing{User: "dev"}
	data, err := os.ReadFile(path)
	if err != nil {
		return Pairing{}
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "VM_HOST":
			p.Host = v
		case "VM_USER":
			p.User = v
		}
	}
	if p.Host == "" {
		return Pairing{}
	}
	return p
}

func writePairingFile(path string, p Pairing) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("rack: pairing dir: %w", err)
	}
	content := fmt.Sprintf("VM_HOST=%s\nVM_USER=%s\n", p.Host, p.User)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("rack: write pairing: %w", err)
	}
	return nil
}

// defaultKeyAuth loads the operator's default SSH keys.
func defaultKeyAuth() ([]ssh.AuthMethod, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("rack: home dir: %w", err)
	}
	var signers []ssh.Signer
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			util.Logger.Warnf("rack: parse %s: %v", name, err)
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("rack: no usable ssh key in ~/.ssh")
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
}
