package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/opencode-ai/agentd/internal/config"
	"github.com/opencode-ai/agentd/internal/provider"
)

var configDiff bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Print the configuration agentd would run with in the project
directory, after all files and environment overrides are applied.
API keys are masked. With --diff only the lines that differ from the
built-in defaults are shown.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if configDiff {
			return printConfigDiff(cmd.OutOrStdout(), config.Defaults(), redacted(cfg))
		}
		return printJSON(cmd.OutOrStdout(), redacted(cfg))
	},
}

func init() {
	configCmd.Flags().BoolVar(&configDiff, "diff", false, "Show only the changes against the built-in defaults")
}

// redacted returns a copy of cfg with provider API keys masked.
func redacted(cfg *config.Config) *config.Config {
	out := *cfg
	out.Provider = make(map[string]provider.Config, len(cfg.Provider))
	maps.Copy(out.Provider, cfg.Provider)
	for name, p := range out.Provider {
		if p.APIKey != "" {
			p.APIKey = "****"
			out.Provider[name] = p
		}
	}
	return &out
}

// printConfigDiff writes a line diff of the JSON forms of base and cfg,
// prefixing removed lines with "-" and added lines with "+".
func printConfigDiff(w io.Writer, base, cfg *config.Config) error {
	before, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return err
	}
	after, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(string(before)+"\n", string(after)+"\n")
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lineArray)

	changed := false
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		changed = true
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			fmt.Fprintf(w, "%s %s\n", prefix, line)
		}
	}
	if !changed {
		fmt.Fprintln(w, "No changes from the defaults")
	}
	return nil
}
