package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// rawDocument mirrors the two-key top-level surface. Unknown top-level keys,
// and unknown keys inside `launcher`, are rejected by the decoder's
// KnownFields mode rather than by hand-walking the node tree.
type rawDocument struct {
	Launcher rawLauncher `yaml:"launcher"`
	Qemu     yaml.Node   `yaml:"qemu"`
}

type rawLauncher struct {
	Binary        string                      `yaml:"binary"`
	ClearEnv      bool                        `yaml:"clear_env"`
	Env           map[string]string           `yaml:"env"`
	Debug         bool                        `yaml:"debug"`
	User          *int                        `yaml:"user"`
	Group         *int                        `yaml:"group"`
	Scheduler     *string                     `yaml:"scheduler"`
	Priority      *int                        `yaml:"priority"`
	VCPUPinning   map[int]map[int]map[int]int `yaml:"vcpu_pinning"`
	RlimitMemlock bool                        `yaml:"rlimit_memlock"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}

	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var raw rawDocument

	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty document", ErrMissingBinary)
		}

		return nil, fmt.Errorf("%w: %v", ErrUnknownKey, err)
	}

	launcher, err := validateLauncher(raw.Launcher)
	if err != nil {
		return nil, err
	}

	qemuNode := raw.Qemu
	if qemuNode.Kind == 0 {
		return &Config{Launcher: launcher, QemuNode: nil}, nil
	}

	return &Config{Launcher: launcher, QemuNode: &qemuNode}, nil
}
