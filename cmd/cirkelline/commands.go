package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/version"
)

// MigrateCmd applies the schema migrations. Start-up never migrates
// implicitly, so this runs as its own step.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.EnvFile)
	if err != nil {
		return exitf(exitMisconfigured, "configuration: %w", err)
	}

	ctx := context.Background()
	gateway, err := store.Open(ctx, &cfg.Database)
	if err != nil {
		return exitf(exitDatabaseDown, "database: %w", err)
	}
	defer gateway.Close()

	if err := gateway.Migrate(ctx); err != nil {
		return exitf(exitDatabaseDown, "migrate: %w", err)
	}

	fmt.Println("migrations applied")
	return nil
}

// ValidateCmd loads and validates configuration, then exits.
type ValidateCmd struct {
	PrintConfig bool `short:"p" name:"print-config" help:"Print the resolved configuration as JSON."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.EnvFile)
	if err != nil {
		return exitf(exitMisconfigured, "configuration: %w", err)
	}

	if c.PrintConfig {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	fmt.Println("configuration valid")
	return nil
}

// SchemaCmd writes a JSON Schema for the configuration to stdout.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	schema := reflector.Reflect(&config.Config{})
	schema.ID = "https://cirkelline.dev/schemas/config.json"
	schema.Title = "Cirkelline Configuration Schema"
	schema.Description = "Configuration schema for the Cirkelline assistant core"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	enc := json.NewEncoder(os.Stdout)
	if !c.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(schema)
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(version.Get())
	return nil
}
