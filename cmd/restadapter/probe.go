package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jpalmerr/restadapter/config"
	"github.com/jpalmerr/restadapter/internal/endpoint"
	"github.com/jpalmerr/restadapter/internal/poller"
	"github.com/jpalmerr/restadapter/internal/session"
)

// probeCmd polls every endpoint once and reports the inferred type.
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Poll every endpoint once",
	Long: `Poll every configured endpoint once and print the endpoint type
inferred from its response content type next to the declared one.

Use it when writing the produces value of a new endpoint.

Example:
  restadapter probe -c adapter.yaml --timeout 5s`,
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().Duration("timeout", 10*time.Second, "per-request timeout")
}

func runProbe(cmd *cobra.Command, args []string) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	snap, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	tlsConfig, err := session.LoadTLSConfig(snap.Truststore, snap.BaseDir)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	client := poller.NewClient(tlsConfig, timeout, nil)
	client.Start()
	defer client.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tURL\tSTATUS\tCONTENT-TYPE\tDECLARED\tINFERRED")
	for _, svc := range snap.Services {
		for _, ep := range svc.Endpoints {
			fmt.Fprintln(w, probeLine(cmd.Context(), client, svc, ep))
		}
	}
	return w.Flush()
}

func probeLine(ctx context.Context, client poller.Requester, svc config.Service, ep config.Endpoint) string {
	name := svc.Name + "/" + ep.Name
	url := poller.URL(svc, ep)
	declared := ep.Produces
	if declared == "" {
		declared = "-"
	}

	resp, err := client.Request(ctx, svc, ep)
	if err != nil {
		return fmt.Sprintf("%s\t%s\terror: %v\t-\t%s\t-", name, url, err, declared)
	}
	inferred := "-"
	if t := endpoint.Default().InferFromContentType(resp.ContentType); t != nil {
		inferred = t.Name()
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "-"
	}
	return fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%s", name, url, resp.StatusCode, contentType, declared, inferred)
}
