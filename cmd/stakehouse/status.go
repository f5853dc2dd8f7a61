// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Stakehouse Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/stakehouse/stakehouse/internal/store"
)

// DatabaseStatus holds the connectivity and schema report.
type DatabaseStatus struct {
	Reachable        bool   `json:"reachable"`
	Error            string `json:"error,omitempty"`
	MigrationVersion uint   `json:"migration_version"`
	MigrationDirty   bool   `json:"migration_dirty"`
	TotalConns       int32  `json:"total_conns"`
	IdleConns        int32  `json:"idle_conns"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	jsonOutput bool
	timeout    time.Duration
}

// newStatusCmd creates the status subcommand with all flags configured.
func newStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show database connectivity and schema status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 5*time.Second, "connection timeout")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	appCfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if appCfg.DatabaseURL == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("database_url is required (config file or DATABASE_URL environment variable)")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.timeout)
	defer cancel()

	status := queryDatabaseStatus(ctx, appCfg.DatabaseURL)

	if cfg.jsonOutput {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return oops.Wrap(err)
		}
		cmd.Println(string(data))
		return nil
	}

	cmd.Println(formatStatusTable(status))
	return nil
}

func queryDatabaseStatus(ctx context.Context, databaseURL string) DatabaseStatus {
	var status DatabaseStatus

	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer db.Close()

	status.Reachable = true

	stat := db.Pool().Stat()
	status.TotalConns = stat.TotalConns()
	status.IdleConns = stat.IdleConns()

	m, err := store.NewMigrator(databaseURL)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer m.Close() //nolint:errcheck // status report only

	version, dirty, err := m.Version()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	status.MigrationVersion = version
	status.MigrationDirty = dirty

	return status
}

// formatStatusTable formats the status as a human-readable table.
func formatStatusTable(status DatabaseStatus) string {
	var buf []byte
	w := tabwriter.NewWriter((*byteWriter)(&buf), 0, 0, 2, ' ', 0)

	state := "unreachable"
	if status.Reachable {
		state = "ok"
	}
	_, _ = fmt.Fprintf(w, "DATABASE\t%s\n", state)
	if status.Error != "" {
		_, _ = fmt.Fprintf(w, "ERROR\t%s\n", status.Error)
	}
	if status.Reachable {
		schema := fmt.Sprintf("version %d", status.MigrationVersion)
		if status.MigrationVersion == 0 {
			schema = "no migrations applied"
		}
		if status.MigrationDirty {
			schema += " (dirty)"
		}
		_, _ = fmt.Fprintf(w, "SCHEMA\t%s\n", schema)
		_, _ = fmt.Fprintf(w, "CONNS\t%d total, %d idle\n", status.TotalConns, status.IdleConns)
	}

	_ = w.Flush()
	return string(buf)
}

// byteWriter is a simple writer that appends to a byte slice.
type byteWriter []byte

func (w *byteWriter) Write(p []byte) (int, error) {
	*w = append(*w, p...)
	return len(p), nil
}
