package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	chainsel "github.com/smartcontractkit/chain-selectors"
	"github.com/spf13/viper"

	"github.com/smartcontractkit/deployment-sequencer/catalog"
	"github.com/smartcontractkit/deployment-sequencer/policy"
)

// Supported ledger backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"` // zap level name: debug, info, warn, error
}

// LedgerConfig selects where the deployment ledger is kept.
//
// WARNING: This data type contains sensitive fields and should not be logged.
type LedgerConfig struct {
	Backend         string `mapstructure:"backend" yaml:"backend"`                   // file or postgres
	Path            string `mapstructure:"path" yaml:"path"`                         // Ledger document path for the file backend
	DSN             string `mapstructure:"dsn" yaml:"dsn"`                           // Secret: postgres connection string
	Name            string `mapstructure:"name" yaml:"name"`                         // Ledger name for the postgres backend
	RequireExisting bool   `mapstructure:"require_existing" yaml:"require_existing"` // Fail instead of starting from an empty ledger
}

// RunConfig holds per-run operator input.
type RunConfig struct {
	SkipSteps  []string `mapstructure:"skip_steps" yaml:"skip_steps"`   // Step indices or ranges to skip, e.g. "1,3-5"
	OnlySteps  []string `mapstructure:"only_steps" yaml:"only_steps"`   // Step indices or ranges to run, everything else is skipped
	Caller     string   `mapstructure:"caller" yaml:"caller"`           // Caller identity, defaults to the signer address
	ReportsDir string   `mapstructure:"reports_dir" yaml:"reports_dir"` // Directory for run report artifacts
	SeedFile   string   `mapstructure:"seed_file" yaml:"seed_file"`     // Optional seed file applied before the run
}

// NetworkConfig describes the target network.
//
// WARNING: This data type contains sensitive fields and should not be logged.
type NetworkConfig struct {
	Name           string        `mapstructure:"name" yaml:"name"`
	ChainID        uint64        `mapstructure:"chain_id" yaml:"chain_id"`
	RPCURL         string        `mapstructure:"rpc_url" yaml:"rpc_url"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`
	DeployerKey    string        `mapstructure:"deployer_key" yaml:"deployer_key"` // Secret: hex private key of the deployer account
}

// PipelineConfig holds the parameters of the lending market pipeline.
type PipelineConfig struct {
	ArtifactsDir string `mapstructure:"artifacts_dir" yaml:"artifacts_dir"` // Hardhat artifacts directory
	MarketID     string `mapstructure:"market_id" yaml:"market_id"`
	ProviderID   uint64 `mapstructure:"provider_id" yaml:"provider_id"`
	PriceFeed    string `mapstructure:"price_feed" yaml:"price_feed"`
	MinBalance   string `mapstructure:"min_balance" yaml:"min_balance"` // Minimum deployer balance in whole native units
}

// Config wraps the entire configuration of the deployer.
type Config struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger" yaml:"ledger"`
	Run      RunConfig      `mapstructure:"run" yaml:"run"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
}

// Load loads the config from the file path, falling back to env vars if the file does not exist.
// If the file exists, any env vars that are set will override the values loaded from the file.
func Load(filePath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(filePath)

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	if _, err := os.Stat(filePath); !errors.Is(err, fs.ErrNotExist) {
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	return unmarshal(v)
}

// LoadEnv loads the config from the environment variables.
func LoadEnv() (*Config, error) {
	v := newViper()

	if err := bindEnvs(v); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

// LoadFile loads the config from a file. Environment variables are ignored.
func LoadFile(filePath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(filePath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	err := v.Unmarshal(cfg)

	return cfg, err
}

// newViper returns a viper instance preloaded with the defaults of the XDC Apothem market.
func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return v
}

var (
	defaults = map[string]any{
		"log.level":               "info",
		"ledger.backend":          BackendFile,
		"ledger.path":             "deployment-ledger.json",
		"ledger.name":             "default",
		"network.name":            "xdcApothem",
		"network.chain_id":        51,
		"network.rpc_url":         "https://erpc.apothem.network",
		"network.confirm_timeout": "2m",
		"pipeline.artifacts_dir":  "artifacts",
		"pipeline.market_id":      "XDC Apothem Market",
		"pipeline.provider_id":    51,
		"pipeline.price_feed":     "0x7D276a421fa99B0E86aC3B5c47205987De76B497",
		"pipeline.min_balance":    "5",
	}

	// envBindings maps each config key to the environment variables that can provide its value.
	// The first name is the preferred one, the second (if present) is the legacy name used by the
	// hardhat scripts this tool replaces. Viper uses the first one that is set.
	envBindings = map[string][]string{
		"log.level":               {"LOG_LEVEL"},
		"ledger.backend":          {"LEDGER_BACKEND"},
		"ledger.path":             {"LEDGER_PATH", "DEPLOYMENT_CONFIG"},
		"ledger.dsn":              {"LEDGER_DSN", "DATABASE_URL"},
		"ledger.name":             {"LEDGER_NAME"},
		"ledger.require_existing": {"LEDGER_REQUIRE_EXISTING"},
		"run.skip_steps":          {"RUN_SKIP_STEPS", "SKIP_STEPS"},
		"run.only_steps":          {"RUN_ONLY_STEPS"},
		"run.caller":              {"RUN_CALLER"},
		"run.reports_dir":         {"RUN_REPORTS_DIR"},
		"run.seed_file":           {"RUN_SEED_FILE"},
		"network.name":            {"NETWORK_NAME"},
		"network.chain_id":        {"NETWORK_CHAIN_ID", "CHAIN_ID"},
		"network.rpc_url":         {"NETWORK_RPC_URL", "RPC_URL"},
		"network.confirm_timeout": {"NETWORK_CONFIRM_TIMEOUT"},
		"network.deployer_key":    {"NETWORK_DEPLOYER_KEY", "PRIVATE_KEY"},
		"pipeline.artifacts_dir":  {"PIPELINE_ARTIFACTS_DIR"},
		"pipeline.market_id":      {"PIPELINE_MARKET_ID", "MARKET_ID"},
		"pipeline.provider_id":    {"PIPELINE_PROVIDER_ID"},
		"pipeline.price_feed":     {"PIPELINE_PRICE_FEED", "PRICE_FEED"},
		"pipeline.min_balance":    {"PIPELINE_MIN_BALANCE"},
	}
)

// bindEnvs binds the environment variables to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, envs := range envBindings {
		// Prepend the config key to the env names
		inputs := slices.Insert(envs, 0, key)

		if err := v.BindEnv(inputs...); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks the configuration for values every command needs and collects every
// problem into one error.
func (c *Config) Validate() error {
	var errs []error

	switch c.Ledger.Backend {
	case BackendFile:
		if c.Ledger.Path == "" {
			errs = append(errs, errors.New("ledger.path is required for the file backend"))
		}
	case BackendPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, errors.New("ledger.dsn is required for the postgres backend"))
		}
		if c.Ledger.Name == "" {
			errs = append(errs, errors.New("ledger.name is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.backend %q is not supported", c.Ledger.Backend))
	}

	if len(c.Run.SkipSteps) > 0 && len(c.Run.OnlySteps) > 0 {
		errs = append(errs, errors.New("run.skip_steps and run.only_steps cannot be combined"))
	}
	if _, err := policy.ParseIndices(c.Run.SkipSteps...); err != nil {
		errs = append(errs, fmt.Errorf("run.skip_steps: %w", err))
	}
	if _, err := policy.ParseIndices(c.Run.OnlySteps...); err != nil {
		errs = append(errs, fmt.Errorf("run.only_steps: %w", err))
	}

	if c.Network.ChainID == 0 {
		errs = append(errs, errors.New("network.chain_id is required"))
	}
	if c.Network.ConfirmTimeout <= 0 {
		errs = append(errs, errors.New("network.confirm_timeout must be positive"))
	}

	if c.Pipeline.PriceFeed != "" && !common.IsHexAddress(c.Pipeline.PriceFeed) {
		errs = append(errs, fmt.Errorf("pipeline.price_feed %q is not an address", c.Pipeline.PriceFeed))
	}
	if _, err := c.Pipeline.MinBalanceWei(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ValidateRemote checks the values needed by commands that talk to the network.
func (c *Config) ValidateRemote(needSigner bool) error {
	var errs []error
	if c.Network.RPCURL == "" {
		errs = append(errs, errors.New("network.rpc_url is required"))
	}
	if needSigner && c.Network.DeployerKey == "" {
		errs = append(errs, errors.New("network.deployer_key is required"))
	}

	return errors.Join(errs...)
}

// SkipPolicy builds the operator skip policy from the run section. The ledger's own skip
// markers are combined by the sequencer.
func (c RunConfig) SkipPolicy() (policy.SkipPolicy, error) {
	if len(c.OnlySteps) > 0 {
		only, err := policy.ParseIndices(c.OnlySteps...)
		if err != nil {
			return nil, err
		}

		return policy.NewAllowList(only...), nil
	}

	skip, err := policy.ParseIndices(c.SkipSteps...)
	if err != nil {
		return nil, err
	}
	if len(skip) == 0 {
		return policy.None(), nil
	}

	return policy.NewDenyList(skip...), nil
}

// Resolve returns the catalog network for this config. The chain selector is filled from
// chain-selectors when the chain is known there; an unknown EVM chain is not an error.
func (c NetworkConfig) Resolve() catalog.Network {
	n := catalog.Network{
		Name:    c.Name,
		ChainID: c.ChainID,
		RPCURL:  c.RPCURL,
	}

	details, err := chainsel.GetChainDetailsByChainIDAndFamily(strconv.FormatUint(c.ChainID, 10), chainsel.FamilyEVM)
	if err != nil {
		if n.Name == "" {
			n.Name = fmt.Sprintf("chain-%d", c.ChainID)
		}

		return n
	}

	n.ChainSelector = details.ChainSelector
	if n.Name == "" {
		n.Name = details.ChainName
	}

	return n
}

// MinBalanceWei converts the configured minimum balance from whole native units to wei. An
// empty value disables the check and yields zero.
func (c PipelineConfig) MinBalanceWei() (*big.Int, error) {
	s := strings.TrimSpace(c.MinBalance)
	if s == "" {
		return new(big.Int), nil
	}

	f, ok := new(big.Float).SetPrec(256).SetString(s)
	if !ok || f.Sign() < 0 {
		return nil, fmt.Errorf("pipeline.min_balance %q is not a non-negative number", c.MinBalance)
	}
	wei, _ := f.Mul(f, new(big.Float).SetInt(big.NewInt(params.Ether))).Int(nil)

	return wei, nil
}
