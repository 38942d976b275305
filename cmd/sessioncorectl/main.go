// Package main provides the sessioncorectl operations tool: schema
// migrations, stored credential inspection and session-string decoding.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/telegrid/sessioncore/pkg/config"
	"github.com/telegrid/sessioncore/pkg/credential"
	credpg "github.com/telegrid/sessioncore/pkg/credential/postgres"
	"github.com/telegrid/sessioncore/pkg/database"
	"github.com/telegrid/sessioncore/pkg/database/migrate"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

const usage = `Usage: sessioncorectl [-config path] <command>

Commands:
  migrate           apply pending schema migrations
  migrate-down      roll back all migrations (destroys data)
  migrate-version   print the current schema version
  credentials       list stored credentials
  decode <string>   decode a session string
`

type options struct {
	configPath string
	args       []string
}

func parseFlags(args []string) (options, error) {
	opts := options{}
	fs := flag.NewFlagSet("sessioncorectl", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.args = fs.Args()
	return opts, nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openDB(ctx context.Context, opts options) (*sql.DB, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is not configured")
	}
	return database.Open(ctx, cfg.Database.DSN, cfg.Database.MaxOpenConns)
}

func run(args []string, out io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if len(opts.args) == 0 {
		fmt.Fprint(out, usage)
		return nil
	}

	ctx := context.Background()

	switch opts.args[0] {
	case "migrate":
		return withDB(ctx, opts, migrate.Run)
	case "migrate-down":
		return withDB(ctx, opts, migrate.Down)
	case "migrate-version":
		return withDB(ctx, opts, func(db *sql.DB) error {
			version, dirty, err := migrate.Version(db)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "version %d dirty=%v\n", version, dirty)
			return nil
		})
	case "credentials":
		return withDB(ctx, opts, func(db *sql.DB) error {
			return listCredentials(ctx, db, out)
		})
	case "decode":
		if len(opts.args) < 2 {
			return fmt.Errorf("decode requires a session string argument")
		}
		return decodeSessionString(opts.args[1], out)
	default:
		return fmt.Errorf("unknown command %q", opts.args[0])
	}
}

func withDB(ctx context.Context, opts options, fn func(*sql.DB) error) error {
	db, err := openDB(ctx, opts)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func listCredentials(ctx context.Context, db *sql.DB, out io.Writer) error {
	creds, err := credpg.New(db).All(ctx)
	if err != nil {
		return err
	}
	for _, c := range creds {
		fmt.Fprintln(out, formatCredential(c))
	}
	fmt.Fprintf(out, "%d credential(s)\n", len(creds))
	return nil
}

func decodeSessionString(s string, out io.Writer) error {
	c, err := credential.DecodeSessionString(s)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, formatCredential(c))
	return nil
}

// formatCredential renders one credential line without exposing the
// authorization key.
func formatCredential(c *credential.Credential) string {
	var b strings.Builder
	fmt.Fprintf(&b, "owner=%d dc=%d api=%d user=%d", c.OwnerID, c.DCID, c.APIID, c.UserID)
	if c.TestMode {
		b.WriteString(" test")
	}
	if c.IsBot {
		b.WriteString(" bot")
	}
	return b.String()
}
