package ledger

import (
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Seed is a set of externally known entries used to bootstrap a ledger, for example the
// addresses of contracts deployed by an earlier tool. YAML and JSON files are both accepted.
//
//	network: xdcApothem
//	entries:
//	  tokens.USDT:
//	    identifier: "0x84e2D47A110DC9db2f74Ab6510B4Bf1044e018ba"
//	skipSteps: [1]
type Seed struct {
	Network   string               `yaml:"network" json:"network"`
	Entries   map[string]SeedEntry `yaml:"entries" json:"entries"`
	SkipSteps []int                `yaml:"skipSteps" json:"skipSteps"`
}

// SeedEntry is a single pre-known result.
type SeedEntry struct {
	Identifier string            `yaml:"identifier" json:"identifier"`
	Metadata   map[string]string `yaml:"metadata" json:"metadata"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Source: path, Err: err}
	}

	var seed Seed
	if err = yaml.Unmarshal(b, &seed); err != nil {
		return nil, &ConfigurationError{Source: path, Err: fmt.Errorf("invalid seed: %w", err)}
	}

	return &seed, nil
}

// ApplySeed inserts the seed's entries that are not applied in l yet and adds its skip markers.
// A seed entry that contradicts an applied entry is an error; the ledger never swaps an
// identifier silently. It returns the keys that were added.
func (l *Ledger) ApplySeed(seed *Seed) ([]ResourceKey, error) {
	if seed == nil {
		return nil, nil
	}
	if err := checkSkipSteps(seed.SkipSteps); err != nil {
		return nil, &ConfigurationError{Source: "seed", Err: err}
	}

	if seed.Network != "" {
		switch l.network {
		case "":
			l.network = seed.Network
		case seed.Network:
		default:
			return nil, &ConfigurationError{
				Source: "seed",
				Err:    fmt.Errorf("seed network %q does not match ledger network %q", seed.Network, l.network),
			}
		}
	}

	var (
		added []ResourceKey
		errs  []error
	)
	for k, e := range seed.Entries {
		key := ResourceKey(k)
		id := Identifier(e.Identifier)
		if id.IsZero() {
			continue
		}
		if l.IsApplied(key) {
			if l.entries[key].Identifier != id {
				errs = append(errs, fmt.Errorf("%w: key %q holds %q, seed has %q",
					ErrIdentifierConflict, key, l.entries[key].Identifier, id))
			}

			continue
		}
		if err := l.Set(key, StepResult{Identifier: id, Metadata: e.Metadata}); err != nil {
			errs = append(errs, err)
			continue
		}
		added = append(added, key)
	}
	l.MarkSkipped(seed.SkipSteps...)
	slices.Sort(added)

	return added, errors.Join(errs...)
}
