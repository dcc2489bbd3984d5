package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/infirad/hadi/pkg/config"
	"github.com/infirad/hadi/pkg/db"
	"github.com/infirad/hadi/pkg/service"
	"github.com/infirad/hadi/pkg/utils"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			if err := app.maintenance.Start(); err != nil {
				return err
			}
			return NewServer(app).Start(ctx)
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file if none exists",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.EnsureDefaultConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

// openStore opens the database for the offline commands.
func openStore() (*service.ChatStoreService, error) {
	store, err := service.OpenChatStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	return store, nil
}

func newExportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export chat history, sessions and client requests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			exporter := service.NewExportService(store)
			ctx := cmd.Context()
			stamp := time.Now().Format("20060102_150405")

			var files []string
			switch format {
			case "xlsx":
				if out == "" {
					out = "hadi_data_" + stamp + ".xlsx"
				}
				if err := exporter.ExportExcel(ctx, out); err != nil {
					return err
				}
				files = []string{out}
			case "csv":
				if out == "" {
					out = filepath.Join(cfg.Maintenance.ExportDir, "csv_"+stamp)
				}
				if files, err = exporter.ExportCSV(ctx, out); err != nil {
					return err
				}
			case "json":
				if out == "-" {
					return exporter.ExportJSON(ctx, cmd.OutOrStdout())
				}
				if out == "" {
					out = "hadi_data_" + stamp + ".json"
				}
				if err := writeFile(out, func(w io.Writer) error { return exporter.ExportJSON(ctx, w) }); err != nil {
					return err
				}
				files = []string{out}
			default:
				return fmt.Errorf("unknown format %q (want xlsx, csv or json)", format)
			}

			for _, f := range files {
				fmt.Fprintln(cmd.OutOrStdout(), f)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "xlsx", "xlsx, csv or json")
	cmd.Flags().StringVar(&out, "out", "", "output file (directory for csv, - for json on stdout)")
	return cmd
}

func writeFile(path string, fn func(io.Writer) error) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newImportCmd() *cobra.Command {
	var in string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a JSON export, skipping rows that already exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(in)
			if err != nil {
				return err
			}
			defer f.Close()

			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := service.NewExportService(store).ImportJSON(cmd.Context(), f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sessions: %d\nmessages: %d\nrequests: %d\n",
				res.Sessions, res.ChatHistory, res.ClientRequests)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "JSON file written by export --format json")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print record counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			st, err := store.GetStats(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "Total sessions:\t%d\n", st.TotalSessions)
			fmt.Fprintf(w, "Total messages:\t%d\n", st.TotalMessages)
			fmt.Fprintf(w, "Total requests:\t%d\n", st.TotalRequests)
			fmt.Fprintf(w, "Pending requests:\t%d\n", st.PendingRequests)
			return w.Flush()
		},
	}
}

func newRequestsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests",
		Short: "Inspect and update client requests",
	}

	var pending bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List client requests, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var reqs []db.ClientRequest
			if pending {
				reqs, err = store.GetPendingRequests(cmd.Context())
			} else {
				reqs, err = store.GetAllRequests(cmd.Context())
			}
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSUBMITTED\tEMAIL\tSESSION")
			for _, r := range reqs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					r.ID, r.Status, r.SubmittedAt.Format(time.DateTime), db.Deref(r.Email), r.SessionID)
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&pending, "pending", false, "only requests with status new")

	setStatus := &cobra.Command{
		Use:   "set-status <id> <status>",
		Short: "Move a request to new, in_progress, handled or rejected",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid request id %q", args[0])
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.UpdateClientRequestStatus(cmd.Context(), uint(id), args[1]); err != nil {
				return err
			}
			utils.GetLogger().Info("Request status updated", "id", id, "status", args[1])
			return nil
		},
	}

	cmd.AddCommand(list, setStatus)
	return cmd
}
