// Package flags provides the flags shared by the deployer commands.
//
// Command specific flags are defined next to the command that reads them.
package flags

import "github.com/spf13/cobra"

// DefaultConfigPath is the config file read when --config is not given.
const DefaultConfigPath = "deployer.yml"

// MustString returns the string value, ignoring the error.
// Safe to use with registered flags where GetString cannot fail.
func MustString(s string, _ error) string { return s }

// MustBool returns the bool value, ignoring the error.
// Safe to use with registered flags where GetBool cannot fail.
func MustBool(b bool, _ error) bool { return b }

// MustStringSlice returns the slice value, ignoring the error.
func MustStringSlice(s []string, _ error) []string { return s }

// Config adds the persistent --config/-c flag to a root command. A missing file is not an
// error; the config then comes from defaults and the environment.
func Config(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", DefaultConfigPath, "Config file path")
}

// Output adds the --out/-o flag. An empty value means stdout.
func Output(cmd *cobra.Command) {
	cmd.Flags().StringP("out", "o", "", "Output file path (default: stdout)")
}

// Steps adds the --skip and --only step selection flags. Both accept indices and inclusive
// ranges, e.g. --skip 1,3-5.
func Steps(cmd *cobra.Command) {
	cmd.Flags().StringSlice("skip", nil, "Step indices or ranges to skip")
	cmd.Flags().StringSlice("only", nil, "Step indices or ranges to run, all others are skipped")
	cmd.MarkFlagsMutuallyExclusive("skip", "only")
}
