package cli

import (
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/civicledger/panelscore/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored evidence, ratings and scores over HTTP",
	Long: `Start the read-only JSON API.

Routes:
  GET /healthz
  GET /metrics
  GET /v1/politicians
  GET /v1/evidence/:eid
  GET /v1/politicians/:id/score
  GET /v1/politicians/:id/score/:category
  GET /v1/politicians/:id/evidence?category=&class=&collector=&verified=
  GET /v1/politicians/:id/ratings?category=&evaluator=
  GET /v1/politicians/:id/reliability
  GET /v1/politicians/:id/cells

Requests under /v1 are limited per client IP by server.requests_per_second
and server.burst; clients over the limit get 429.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		addr := a.cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		srv := server.New(a.store, a.scores, a.dir, prometheus.DefaultGatherer, a.cfg.Server, a.log)
		fmt.Fprintf(cmd.ErrOrStderr(), "Serving on %s\n", addr)
		return srv.Listen(ctx, addr)
	},
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Check that every configured provider is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		roles := make(map[string][]string)
		for _, n := range a.cfg.Collectors {
			roles[n] = append(roles[n], "collector")
		}
		for _, n := range a.cfg.Evaluators {
			roles[n] = append(roles[n], "evaluator")
		}

		results := a.registry.Check(ctx)
		names := make([]string, 0, len(results))
		for n := range results {
			names = append(names, n)
		}
		sort.Strings(names)

		type row struct {
			Name   string   `json:"name"`
			Kind   string   `json:"kind"`
			Model  string   `json:"model"`
			Roles  []string `json:"roles,omitempty"`
			Status string   `json:"status"`
		}
		var rows []row
		failed := 0
		for _, n := range names {
			pc, _ := a.cfg.Provider(n)
			status := "ok"
			if err := results[n]; err != nil {
				status = err.Error()
				if len(roles[n]) > 0 {
					failed++
				}
			}
			rows = append(rows, row{Name: n, Kind: pc.Kind, Model: pc.Model, Roles: roles[n], Status: status})
		}

		if jsonOutput {
			if err := writeJSON(cmd.OutOrStdout(), rows); err != nil {
				return err
			}
		} else {
			t := newTable(cmd.OutOrStdout(), "Provider", "Kind", "Model", "Roles", "Status")
			for _, r := range rows {
				_ = t.Append([]string{r.Name, r.Kind, r.Model, fmt.Sprint(r.Roles), r.Status})
			}
			if err := t.Render(); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d provider(s) in use are unavailable", failed)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd, providersCmd)
}
