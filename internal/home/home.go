// Package home names the files kept on the system partition, apart from
// the recording volumes.
//
// Layout:
//
//	<root>/
//	  config.json        (engine configuration)
//	  device_id          (stable identity, used as MQTT client id)
//	  anchors/
//	    cam<NN>.anchor   (recovery anchor per camera)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Dir is the system partition root.
type Dir struct {
	root string
}

func New(root string) Dir {
	return Dir{root: root}
}

// Default returns <user config dir>/nvrstore.
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "nvrstore")}, nil
}

func (d Dir) Root() string { return d.root }

func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// AnchorDir holds the per-camera recovery anchors.
func (d Dir) AnchorDir() string {
	return filepath.Join(d.root, "anchors")
}

// EnsureExists creates the root and anchor directories.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.AnchorDir(), 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

// DeviceID reads <root>/device_id, generating a UUIDv7 on first use.
func (d Dir) DeviceID() (string, error) {
	return d.readOrCreate("device_id", func() string {
		return uuid.Must(uuid.NewV7()).String()
	})
}

func (d Dir) readOrCreate(filename string, generate func() string) (string, error) {
	p := filepath.Join(d.root, filename)
	data, err := os.ReadFile(filepath.Clean(p))
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, nil
		}
	}
	v := generate()
	if err := os.WriteFile(p, []byte(v+"\n"), 0o640); err != nil { //nolint:gosec // G306: device id is not secret
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	return v, nil
}
