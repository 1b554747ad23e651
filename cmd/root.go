// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgkv/pgkv/cmd/flags"
	"github.com/pgkv/pgkv/pkg/db"
	"github.com/pgkv/pgkv/pkg/logging"
	"github.com/pgkv/pgkv/pkg/store"
)

// Version is the pgkv version.
var Version = "development"

func init() {
	viper.SetEnvPrefix("PGKV")
	viper.AutomaticEnv()

	flags.PgConnectionFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "pgkv",
	SilenceUsage: true,
	Version:      Version,
}

// NewStore opens a connection to the configured Postgres URL, points the
// session at --state-schema, and wires a store.Store over it - the same
// role the teacher's NewRoll plays for roll.New.
func NewStore(ctx context.Context) (*store.Store, func(), error) {
	conn, err := sql.Open("postgres", flags.PostgresURL())
	if err != nil {
		return nil, nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if schema := flags.StateSchema(); schema != "" {
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %q", schema)); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("setting search_path to %q: %w", schema, err)
		}
	}

	s, err := store.New(&db.RDB{DB: conn}, store.Config{Log: logging.NewLogger()})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	return s, func() { conn.Close() }, nil
}

// Execute executes the root command.
func Execute() error {
	rootCmd.AddCommand(bootstrapCmd)
	return rootCmd.Execute()
}
