package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fitmirror/fitmirror/config"
)

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a starter config file with a fresh JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output == "" {
				output = "fitmirror.json"
			}
			force, _ := cmd.Flags().GetBool("force")
			return writeStarterConfig(output, force)
		},
	}
	cmd.Flags().StringP("output", "o", "", "output config file path (default: ./fitmirror.json)")
	cmd.Flags().Bool("force", false, "overwrite an existing config file")
	return cmd
}

func writeStarterConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	secret, err := config.GenerateRandomSecret()
	if err != nil {
		return err
	}

	cfg := config.Config{
		Server: config.ServerConfig{
			Addr:          ":8080",
			PublicBaseURL: "http://localhost:8080",
		},
		Auth: config.AuthConfig{
			Provider:  "builtin",
			JWTSecret: secret,
			InitialAdmin: &config.InitialAdmin{
				Email:    "admin@example.com",
				Password: "change-this-password",
			},
		},
		Storage: config.StorageConfig{
			Driver: "sqlite",
			DSN:    "fitmirror.db",
		},
		Generator: config.GeneratorConfig{
			BaseURL: "https://api.example.com",
			APIKey:  "set-your-generator-api-key",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", path)
	fmt.Println("edit the generator settings and admin password before starting the service")
	return nil
}
