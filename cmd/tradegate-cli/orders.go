package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order <order-id>",
	Short: "Show an order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := client().GetOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(o)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <order-id>",
	Short: "Cancel a queued or open order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := client().CancelOrder(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s %s\n", o.ID, o.Status, o.Reason)
		return nil
	},
}

var outcomeFlags struct {
	user   string
	symbol string
	since  time.Duration
	limit  int
}

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "List terminal orders, newest first",
	Args:  cobra.NoArgs,
	RunE:  runOutcomes,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show venue health",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		venues, err := client().BrokerHealth(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "VENUE\tSTATUS\tLATENCY\tCHECKED\tERROR")
		for _, v := range venues {
			checked := "-"
			if !v.CheckedAt.IsZero() {
				checked = v.CheckedAt.Local().Format(time.TimeOnly)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", v.Venue, v.Status, v.Latency, checked, v.Error)
		}
		return w.Flush()
	},
}

func init() {
	f := outcomesCmd.Flags()
	f.StringVarP(&outcomeFlags.user, "user", "u", "", "filter by user ID")
	f.StringVar(&outcomeFlags.symbol, "symbol", "", "filter by symbol")
	f.DurationVar(&outcomeFlags.since, "since", 0, "only outcomes completed within this window, e.g. 24h")
	f.IntVarP(&outcomeFlags.limit, "limit", "n", 20, "maximum rows")

	rootCmd.AddCommand(orderCmd, cancelCmd, outcomesCmd, healthCmd)
}

func runOutcomes(cmd *cobra.Command, args []string) error {
	var since time.Time
	if outcomeFlags.since > 0 {
		since = time.Now().Add(-outcomeFlags.since)
	}
	out, err := client().Outcomes(cmd.Context(), outcomeFlags.user, outcomeFlags.symbol, since, outcomeFlags.limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ORDER\tUSER\tSYMBOL\tSIDE\tQTY\tFILLED\tPRICE\tSTATUS\tREASON\tACTION\tBROKER")
	for _, o := range out {
		price := "-"
		if o.Order.FilledPrice != nil {
			price = o.Order.FilledPrice.StringFixed(2)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
			o.Order.ID, o.Order.Signal.UserID, o.Order.Signal.Symbol, o.Order.Signal.Side,
			o.Order.Quantity, o.Order.FilledQuantity, price, o.Order.Status, o.Order.Reason,
			o.Assessment.Action, o.Order.BrokerName)
	}
	return w.Flush()
}
