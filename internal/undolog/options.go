package undolog

import (
	"os"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// Options configures a filelog Store. It is YAML-shaped so a deployment can
// check a small options file into its config directory the same way the
// teacher's own LogConfig is meant to be populated from a config file
// rather than hardcoded.
type Options struct {
	// Dir is where per-log files and the WAL file live.
	Dir string `yaml:"dir"`
	// SyncOnWrite fsyncs after every page write-back and WAL append. Off by
	// default for throughput.
	SyncOnWrite bool `yaml:"sync_on_write"`
	// EmitLegacyNoopPadding is stored and loaded with the other options
	// only. The recovery sweep takes its padding switch from
	// urs.RecoveryOptions, and nothing copies this field into it. See
	// DESIGN.md open question 2; default off.
	EmitLegacyNoopPadding bool `yaml:"emit_legacy_noop_padding"`
	// LogLevel is stored and loaded with the other options; NewStore does
	// not read it.
	LogLevel string `yaml:"log_level"`
}

// DefaultOptions returns sane defaults rooted at dir.
func DefaultOptions(dir string) Options {
	return Options{Dir: dir, SyncOnWrite: false, EmitLegacyNoopPadding: false, LogLevel: "info"}
}

// LoadOptions reads and parses a YAML options file.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, errors.Wrapf(err, "undolog: read options file %s", path)
	}
	var opts Options
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return Options{}, errors.Wrapf(err, "undolog: parse options file %s", path)
	}
	return opts, nil
}

// Save writes opts back out as YAML.
func (o Options) Save(path string) error {
	raw, err := yaml.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "undolog: marshal options")
	}
	if err := os.WriteFile(path, raw, 0644); err != nil {
		return errors.Wrapf(err, "undolog: write options file %s", path)
	}
	return nil
}
