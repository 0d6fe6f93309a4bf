package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/GuruMachanica/KavachG/internal/config"
	"github.com/GuruMachanica/KavachG/internal/recorder/storage"
	"github.com/GuruMachanica/KavachG/internal/validate"
)

var incidentsCmd = &cobra.Command{
	Use:   "incidents",
	Short: "Inspect and triage filed incidents",
}

var incidentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List incidents, newest first",
	RunE:  runIncidentsList,
}

var incidentsStatusCmd = &cobra.Command{
	Use:   "status [incident-id] [status]",
	Short: "Set an incident's status",
	Args:  cobra.ExactArgs(2),
	RunE:  runIncidentsStatus,
}

var incidentsAuditCmd = &cobra.Command{
	Use:   "audit [incident-id]",
	Short: "Show an incident's status history",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentsAudit,
}

var (
	listStatus string
	listType   string
	listCamera string
	listLimit  int
	jsonOutput bool
)

func init() {
	incidentsCmd.AddCommand(incidentsListCmd, incidentsStatusCmd, incidentsAuditCmd)

	incidentsListCmd.Flags().StringVar(&listStatus, "status", "", "Only incidents with this status")
	incidentsListCmd.Flags().StringVar(&listType, "type", "", "Only incidents of this type")
	incidentsListCmd.Flags().StringVar(&listCamera, "camera", "", "Only incidents from this camera")
	incidentsListCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum number of incidents")
	incidentsCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of a table")
}

func openStore(ctx context.Context) (*storage.SQLStore, error) {
	if err := validate.ValidateStorageConfig(&cfg.Storage); err != nil {
		return nil, err
	}
	sqlCfg, _ := config.CreateStorageConfigs(cfg)
	return storage.OpenSQL(ctx, sqlCfg, logger)
}

func runIncidentsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	incidents, err := store.ListIncidents(ctx, storage.IncidentQuery{
		Status: listStatus,
		Type:   listType,
		Camera: listCamera,
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), incidents)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tTYPE\tCAMERA\tSEVERITY\tSTATUS\tCLIP")
	for _, inc := range incidents {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.ID, inc.CreatedAt.Local().Format(time.DateTime), inc.Type,
			dash(inc.Camera), dash(inc.Severity), inc.Status, dash(inc.Clip()))
	}
	return w.Flush()
}

func runIncidentsStatus(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	inc, err := store.UpdateStatus(ctx, id, args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), inc)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "incident %d is now %q\n", inc.ID, inc.Status)
	return nil
}

func runIncidentsAudit(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.AuditTrail(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "incident %d has no status changes\n", id)
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANGED\tSTATUS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\n", e.ChangedAt.Local().Format(time.DateTime), e.Status)
	}
	return w.Flush()
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid incident id %q", s)
	}
	return id, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
