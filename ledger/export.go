package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is an export format for the ledger.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatEnv  Format = "env"
)

// Formats lists the supported export formats.
var Formats = []Format{FormatJSON, FormatYAML, FormatTOML, FormatEnv}

// ParseFormat parses s into a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatYAML, FormatTOML, FormatEnv:
		return f, nil
	case "yml":
		return FormatYAML, nil
	case "dotenv":
		return FormatEnv, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// exportEntry is the flattened form of an applied entry written by Export.
type exportEntry struct {
	Identifier string            `json:"identifier" yaml:"identifier" toml:"identifier"`
	Metadata   map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty" toml:"metadata,omitempty"`
}

type exportDoc struct {
	Network string                 `json:"network,omitempty" yaml:"network,omitempty" toml:"network,omitempty"`
	Entries map[string]exportEntry `json:"entries" yaml:"entries" toml:"entries"`
}

// Export writes the applied entries of l to w in the given format. Entries holding a zero
// identifier are left out.
func Export(w io.Writer, l *Ledger, format Format) error {
	doc := exportDoc{
		Network: l.Network(),
		Entries: make(map[string]exportEntry),
	}
	for _, r := range l.Entries() {
		if r.Identifier.IsZero() {
			continue
		}
		doc.Entries[string(r.ResourceKey)] = exportEntry{
			Identifier: string(r.Identifier),
			Metadata:   r.Metadata,
		}
	}

	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(doc)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}

		return enc.Close()
	case FormatTOML:
		return toml.NewEncoder(w).Encode(doc)
	case FormatEnv:
		return exportEnv(w, doc)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// ErrEnvNameCollision is returned by the env export when two values map to the same variable.
var ErrEnvNameCollision = errors.New("env variable name collision")

func exportEnv(w io.Writer, doc exportDoc) error {
	env := make(map[string]string, len(doc.Entries))
	sources := make(map[string]string, len(doc.Entries))
	set := func(name, source, value string) error {
		if prev, ok := sources[name]; ok {
			return fmt.Errorf("%w: %s is produced by both %s and %s", ErrEnvNameCollision, name, prev, source)
		}
		sources[name] = source
		env[name] = value

		return nil
	}

	if doc.Network != "" {
		if err := set("LEDGER_NETWORK", "the ledger network", doc.Network); err != nil {
			return err
		}
	}
	for _, key := range slices.Sorted(maps.Keys(doc.Entries)) {
		e := doc.Entries[key]
		name := EnvName(key)
		if err := set(name, key, e.Identifier); err != nil {
			return err
		}
		for _, mk := range slices.Sorted(maps.Keys(e.Metadata)) {
			if err := set(name+"_"+EnvName(mk), key+" metadata "+mk, e.Metadata[mk]); err != nil {
				return err
			}
		}
	}

	out, err := godotenv.Marshal(env)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, out+"\n")

	return err
}

// EnvName converts a resource key such as "core.PoolAddressesProvider" into an environment
// variable name such as "CORE_POOL_ADDRESSES_PROVIDER".
func EnvName(key string) string {
	var b strings.Builder
	runes := []rune(key)
	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if i > 0 && unicode.IsUpper(r) && needsBreak(runes, i) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToUpper(r))
		default:
			b.WriteRune('_')
		}
	}

	return strings.Trim(b.String(), "_")
}

// needsBreak reports whether an underscore goes before the upper case rune at i: after a lower
// case letter or digit, or at the end of an acronym ("ACLManager" -> "ACL_MANAGER").
func needsBreak(runes []rune, i int) bool {
	prev := runes[i-1]
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	if unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1]) {
		return true
	}

	return false
}
