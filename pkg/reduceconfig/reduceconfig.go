// Package reduceconfig loads the small set of tunables the reducer can
// override without a recompile: the stack safety margin, the fallback
// heap address used when no better one can be derived, and the
// per-architecture stack-pointer register slot table. A YAML file, when
// given, is merged over compiled-in defaults -- mirroring how the
// teacher lineage layers a user config file over built-in defaults --
// except the file path is always explicit (passed via --config) rather
// than implied by a fixed home-directory location, since this is a
// batch tool invoked once per core rather than an interactive session.
package reduceconfig

import (
	"fmt"
	"io/ioutil"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/sailfishos/corereduce/pkg/elfcore"
)

// Config holds every reducer tunable that can be overridden from a file
// or from the command line.
type Config struct {
	StackAddition         *elfcore.Addr  `yaml:"stack-addition,omitempty"`
	PredefinedHeapAddress *elfcore.Addr  `yaml:"predefined-heap-address,omitempty"`
	StackPointerIndex     map[string]int `yaml:"stack-pointer-index,omitempty"`
}

// DefaultConfig returns the compiled-in tunables used when no file and
// no CLI override is given.
func DefaultConfig() *Config {
	stackAddition := elfcore.DefaultStackAddition
	heapAddr := elfcore.DefaultPredefinedHeapAddress
	return &Config{
		StackAddition:         &stackAddition,
		PredefinedHeapAddress: &heapAddr,
	}
}

// Load reads path (if non-empty and present) as a YAML document and
// overlays its fields onto DefaultConfig(). A missing path is not an
// error -- the defaults are returned unchanged; a present but malformed
// file is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("decoding config file: %w", err)
	}

	if overlay.StackAddition != nil {
		cfg.StackAddition = overlay.StackAddition
	}
	if overlay.PredefinedHeapAddress != nil {
		cfg.PredefinedHeapAddress = overlay.PredefinedHeapAddress
	}
	if overlay.StackPointerIndex != nil {
		cfg.StackPointerIndex = overlay.StackPointerIndex
	}

	return cfg, nil
}
