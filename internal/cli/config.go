package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sprite-ai/agmend/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show, validate or locate the configuration",
	// validate must be able to report on a broken file, so nothing is
	// resolved up front.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with defaults filled in",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, _, err := config.Resolve(path)
		if err != nil {
			return err
		}
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Check a configuration file and list every problem",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if len(args) == 1 {
			path = args[0]
		}
		cfg, found, err := config.Resolve(path)
		if err != nil {
			return err
		}
		errs := config.Validate(cfg)
		w := cmd.OutOrStdout()
		if len(errs) == 0 {
			fmt.Fprintf(w, "%s: ok\n", orDefault(found))
			return nil
		}
		for _, e := range errs {
			fmt.Fprintf(w, "%s: %s\n", orDefault(found), e)
		}
		return &ExitError{Code: 1}
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print which configuration file would be loaded",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		_, found, err := config.Resolve(path)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if found == "" {
			fmt.Fprintf(w, "%s (searched: %v)\n", orDefault(found), config.Candidates())
			return nil
		}
		fmt.Fprintln(w, found)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configValidateCmd, configPathCmd)
}
