package cmd

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dimasma0305/gzstream/internal/gzstream/config"
)

// validScenarioIDs returns the scenarios seen locally for shell completion.
// It is used by cobra to provide suggestions for commands that take a scenario id as an argument.
func validScenarioIDs(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	ids, err := getAvailableScenarios(cfg.Storage.SnapshotDir, cfg.Storage.TranscriptDir)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

// getAvailableScenarios lists scenario ids that have a snapshot (.json) or a
// transcript (.log) in the given directories. Missing directories are skipped.
func getAvailableScenarios(snapshotDir, transcriptDir string) ([]string, error) {
	seen := make(map[string]bool)
	scan := func(dir, ext string) error {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || filepath.Ext(name) != ext || strings.HasPrefix(name, "tmp-") {
				continue
			}
			seen[strings.TrimSuffix(name, ext)] = true
		}
		return nil
	}
	if err := scan(snapshotDir, ".json"); err != nil {
		return nil, err
	}
	if err := scan(transcriptDir, ".log"); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// completionCmd represents the completion command
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for gzstream.

To load completions:

Bash:

  $ source <(gzstream completion bash)

  # To load completions for each session, execute once:
  # Linux:
  $ gzstream completion bash > /etc/bash_completion.d/gzstream
  # macOS:
  $ gzstream completion bash > $(brew --prefix)/etc/bash_completion.d/gzstream

Zsh:

  # If shell completion is not already enabled in your environment,
  # you will need to enable it.  You can execute the following once:

  $ echo "autoload -U compinit; compinit" >> ~/.zshrc

  # To load completions for each session, execute once:
  $ gzstream completion zsh > "${fpath[1]}/_gzstream"

  # You will need to start a new shell for this setup to take effect.

Fish:

  $ gzstream completion fish | source

  # To load completions for each session, execute once:
  $ gzstream completion fish > ~/.config/fish/completions/gzstream.fish

PowerShell:

  PS> gzstream completion powershell | Out-String | Invoke-Expression

  # To load completions for every new session, run:
  PS> gzstream completion powershell > gzstream.ps1
  # and source this file from your PowerShell profile.
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			// Error is logged but not fatal for completion generation
			cmd.PrintErrf("Error generating completion: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
