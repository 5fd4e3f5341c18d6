package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/lifecycle"
	"trade-lifecycle-engine/internal/plan"
	"trade-lifecycle-engine/internal/risk"
)

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	var offset float64
	cmd := &cobra.Command{
		Use:   "validate <plan.json>...",
		Short: "Validate trade plan files without importing them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				p, err := plan.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%s: INVALID %v\n", path, err)
					continue
				}
				fmt.Fprintf(out, "%s: OK %s %s margin=%s leverage=%sx\n",
					path, p.Direction, p.Symbol, p.MarginUSD, p.Leverage)
				printCascade(out, p, decimal.NewFromFloat(offset))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d plans invalid", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&offset, "sl-offset", 0.1, "stop-loss offset percent used for the cascade preview")
	return cmd
}

func printCascade(out io.Writer, p *plan.TradePlan, offset decimal.Decimal) {
	fmt.Fprintf(out, "  stop-loss %s\n", risk.InitialStopLoss(p))
	for k, tp := range p.TakeProfits {
		stop := risk.CascadeStopLoss(p.Direction, risk.CascadeAnchor(p, k), offset)
		fmt.Fprintf(out, "  %s @ %s (%s%%) -> stop %s\n", tp.Level, tp.Price, tp.SizePercent, stop)
	}
}

func newImportCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <plan.json>",
		Short: "Validate a plan and store it as a PENDING trade",
		Long: `Validate a plan and store it as a PENDING trade. Start it through the API of a
running engine that shares the same store:

  curl -X POST localhost:8080/api/trades/<id>/start`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			p, err := plan.LoadFile(args[0])
			if err != nil {
				return err
			}

			sess, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer sess.Close()
			if sess.cfg.DatabaseConfig.Driver == database.DriverMemory {
				sess.logger.Warn().Msg("The memory store does not outlive this command")
			}

			// Create only persists; no gateway call is made.
			engine := lifecycle.NewManager(engineConfig(sess.cfg.EngineConfig), gateway.NewPaperGateway(), sess.store, nil, sess.logger)
			defer engine.Shutdown()

			rec, err := engine.Create(ctx, p)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rec.ID)
			return nil
		},
	}
}

func newTradesCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Inspect stored trades",
	}

	var (
		statuses string
		symbol   string
		limit    int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List trades, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			filter := database.TradeFilter{Symbol: strings.ToUpper(symbol), Limit: limit}
			for _, s := range strings.Split(statuses, ",") {
				if s = strings.TrimSpace(s); s != "" {
					filter.Statuses = append(filter.Statuses, database.TradeStatus(strings.ToUpper(s)))
				}
			}

			sess, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			recs, err := sess.store.ListTrades(ctx, filter)
			if err != nil {
				return err
			}
			printTrades(cmd.OutOrStdout(), recs)
			return nil
		},
	}
	list.Flags().StringVar(&statuses, "status", "", "comma separated statuses, e.g. OPEN,ERROR")
	list.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	list.Flags().IntVar(&limit, "limit", 50, "maximum number of trades")

	show := &cobra.Command{
		Use:   "show <trade-id>",
		Short: "Print a trade record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			rec, err := sess.store.GetTrade(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func printTrades(out io.Writer, recs []*database.TradeRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tSTATUS\tSIZE\tAVG ENTRY\tSTOP\tREALIZED\tUPDATED")
	for _, r := range recs {
		stop := "-"
		if r.Position.CurrentStopLossPrice.Valid {
			stop = r.Position.CurrentStopLossPrice.Decimal.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Plan.Symbol, r.Plan.Direction, r.Status,
			r.Position.AccumulatedSize, r.Position.WeightedAverageEntry, stop,
			r.Position.RealizedPnL.StringFixed(4), r.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func newEventsCommand(opts *rootOptions) *cobra.Command {
	var (
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events <trade-id>",
		Short: "Print a trade's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			sess, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer sess.Close()

			if _, err := sess.store.GetTrade(ctx, args[0]); err != nil {
				return err
			}
			evs, err := sess.store.ListEvents(ctx, args[0], after, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, ev := range evs {
				payload, _ := json.Marshal(ev.Payload)
				fmt.Fprintf(out, "%4d  %s  %-18s %s\n", ev.Seq, ev.Timestamp.Format("2006-01-02T15:04:05.000Z"), ev.Type, payload)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a higher sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events (0 for all)")
	return cmd
}
