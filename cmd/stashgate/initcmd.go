package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a config file",
	Long: `Walk through the required settings (store credentials, bucket,
cell store backend) and write them to a starter config file.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("out", "config.yaml", "path of the config file to write")
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

type initAnswers struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Storage struct {
		Account struct {
			AccountID       string `yaml:"account_id"`
			AccessKeyID     string `yaml:"access_key_id"`
			SecretAccessKey string `yaml:"secret_access_key"`
		} `yaml:"account"`
		Endpoint string `yaml:"endpoint,omitempty"`
	} `yaml:"storage"`
	Download struct {
		Bucket string `yaml:"bucket"`
	} `yaml:"download"`
	Database struct {
		Type string `yaml:"type"`
		DSN  string `yaml:"dsn,omitempty"`
	} `yaml:"database"`
}

func runInit(cmd *cobra.Command, args []string) error {
	out, _ := cmd.Flags().GetString("out")
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to overwrite", out)
	}

	var answers initAnswers

	prompts := []struct {
		label    string
		dest     *string
		mask     bool
		optional bool
	}{
		{label: "Store account id", dest: &answers.Storage.Account.AccountID},
		{label: "Access key id", dest: &answers.Storage.Account.AccessKeyID},
		{label: "Secret access key", dest: &answers.Storage.Account.SecretAccessKey, mask: true},
		{label: "Bucket", dest: &answers.Download.Bucket},
		{label: "Endpoint override (empty for R2)", dest: &answers.Storage.Endpoint, optional: true},
	}
	for _, p := range prompts {
		prompt := promptui.Prompt{Label: p.label}
		if p.mask {
			prompt.Mask = '*'
		}
		if !p.optional {
			prompt.Validate = notEmpty
		}
		value, err := prompt.Run()
		if err != nil {
			return fmt.Errorf("prompt aborted: %w", err)
		}
		*p.dest = value
	}

	backend := promptui.Select{
		Label: "Cell store backend",
		Items: []string{"sqlite", "postgres", "memory"},
	}
	_, dbType, err := backend.Run()
	if err != nil {
		return fmt.Errorf("prompt aborted: %w", err)
	}
	answers.Database.Type = dbType

	switch dbType {
	case "sqlite":
		answers.Database.DSN = promptWithDefault("SQLite file", "stashgate.db")
	case "postgres":
		answers.Database.DSN = promptWithDefault("Postgres DSN", "postgres://localhost:5432/stashgate")
	}

	portStr := promptWithDefault("Server port", "5710")
	answers.Server.Port, err = strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	data, err := yaml.Marshal(&answers)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s\n", out)
	return nil
}

func notEmpty(s string) error {
	if s == "" {
		return errors.New("value is required")
	}
	return nil
}

func promptWithDefault(label, def string) string {
	prompt := promptui.Prompt{Label: label, Default: def}
	value, err := prompt.Run()
	if err != nil || value == "" {
		return def
	}
	return value
}
