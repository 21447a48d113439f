package cli

import (
	"fmt"
	"os"

	"github.com/foremanhq/foreman/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default foreman.toml",
	Long: `Write a commented foreman.toml config file to the current directory.

Example:
  foreman init
  foreman init --path ./configs/foreman.toml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("path", "foreman.toml", "Where to write the config file")
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")
}

func runInit(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("path")
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := config.GenerateDefault(path); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("  foreman config set database.url postgresql://localhost:5432/foreman\n")
	fmt.Printf("  foreman start\n")
	return nil
}
