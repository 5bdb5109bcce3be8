// Package credentials stores API keys for sync and remote embedding.
// It prefers the OS keychain when a helper binary is present and falls
// back to a 0600 JSON file under the data directory.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/savecontext/savecontext/internal/debug"
)

// service namespaces our entries in the OS keychain.
const service = "savecontext"

// Store reads and writes named secrets.
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
}

// Open probes for a usable keychain backend and falls back to the file
// backend at filePath.
func Open(filePath string) Store {
	if b := probeKeychain(); b != nil {
		return b
	}
	return &FileBackend{path: filePath}
}

func probeKeychain() Store {
	switch runtime.GOOS {
	case "darwin":
		if _, err := exec.LookPath("security"); err == nil {
			return &KeychainBackend{goos: "darwin"}
		}
	case "linux":
		if _, err := exec.LookPath("secret-tool"); err == nil {
			return &KeychainBackend{goos: "linux"}
		}
	}
	return nil
}

// KeychainBackend shells out to the platform keychain helper.
type KeychainBackend struct {
	goos string
}

func (k *KeychainBackend) Get(name string) (string, error) {
	var cmd *exec.Cmd
	if k.goos == "darwin" {
		cmd = exec.Command("security", "find-generic-password", "-s", service, "-a", name, "-w")
	} else {
		cmd = exec.Command("secret-tool", "lookup", "service", service, "account", name)
	}
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("credential %q not found: %w", name, err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (k *KeychainBackend) Set(name, value string) error {
	var cmd *exec.Cmd
	if k.goos == "darwin" {
		cmd = exec.Command("security", "add-generic-password", "-U", "-s", service, "-a", name, "-w", value)
	} else {
		cmd = exec.Command("secret-tool", "store", "--label", service+"/"+name, "service", service, "account", name)
		cmd.Stdin = strings.NewReader(value)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to store credential %q: %s: %w", name, strings.TrimSpace(string(out)), err)
	}
	return nil
}

func (k *KeychainBackend) Delete(name string) error {
	var cmd *exec.Cmd
	if k.goos == "darwin" {
		cmd = exec.Command("security", "delete-generic-password", "-s", service, "-a", name)
	} else {
		cmd = exec.Command("secret-tool", "clear", "service", service, "account", name)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		debug.Logf("credential delete %q: %s", name, strings.TrimSpace(string(out)))
		return fmt.Errorf("failed to delete credential %q: %w", name, err)
	}
	return nil
}

// FileBackend keeps secrets in a JSON file with 0600 permissions.
type FileBackend struct {
	path string
}

// NewFileBackend builds a file-backed store at path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}
	creds := map[string]string{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &creds); err != nil {
			return nil, fmt.Errorf("failed to parse credentials file: %w", err)
		}
	}
	return creds, nil
}

func (f *FileBackend) save(creds map[string]string) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create credentials directory: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

func (f *FileBackend) Get(name string) (string, error) {
	creds, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := creds[name]
	if !ok {
		return "", fmt.Errorf("credential %q not found", name)
	}
	return value, nil
}

func (f *FileBackend) Set(name, value string) error {
	creds, err := f.load()
	if err != nil {
		return err
	}
	creds[name] = value
	return f.save(creds)
}

func (f *FileBackend) Delete(name string) error {
	creds, err := f.load()
	if err != nil {
		return err
	}
	delete(creds, name)
	return f.save(creds)
}
