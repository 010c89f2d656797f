package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradegate/internal/domain"
	"tradegate/pkg/tradegate"
)

var signalFlags struct {
	user       string
	side       string
	orderType  string
	limit      string
	confidence float64
	balance    string
	paper      bool
	broker     string
	region     string
	strategy   string
	simulate   bool
}

var submitCmd = &cobra.Command{
	Use:   "submit <symbol> <quantity>",
	Short: "Submit a trade signal through the risk firewall",
	Long: `Submit a trade signal. The firewall verdict is printed; a BLOCK exits
non-zero and lists the reasoning.

Examples:
  tradegate-cli submit AAPL 10 --user u1 --balance 100000 --paper
  tradegate-cli submit BTCUSDT 1 --user u1 --balance 50000 --type limit --limit 60000`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	f := submitCmd.Flags()
	f.StringVarP(&signalFlags.user, "user", "u", "", "user ID (required)")
	f.StringVar(&signalFlags.side, "side", "buy", "buy or sell")
	f.StringVarP(&signalFlags.orderType, "type", "t", "market", "market or limit")
	f.StringVar(&signalFlags.limit, "limit", "", "limit price (limit orders)")
	f.Float64VarP(&signalFlags.confidence, "confidence", "c", 1, "signal confidence in [0, 1]")
	f.StringVarP(&signalFlags.balance, "balance", "b", "", "account balance (required)")
	f.BoolVar(&signalFlags.paper, "paper", false, "route to the paper simulator")
	f.StringVar(&signalFlags.broker, "broker", "", "preferred venue")
	f.StringVar(&signalFlags.region, "region", "", "market region override")
	f.StringVar(&signalFlags.strategy, "strategy", "", "strategy ID for reputation checks")
	f.BoolVar(&signalFlags.simulate, "simulate", false, "use the simulate endpoint")
	submitCmd.MarkFlagRequired("user")
	submitCmd.MarkFlagRequired("balance")

	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	sig, err := buildSignal(args[0], args[1])
	if err != nil {
		return err
	}

	c := client()
	submit := c.SubmitSignal
	if signalFlags.simulate {
		submit = c.SimulateSignal
	}
	res, err := submit(cmd.Context(), sig)

	var apiErr *tradegate.APIError
	if errors.As(err, &apiErr) && apiErr.Assessment != nil {
		printJSON(apiErr.Assessment)
		return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
	}
	if err != nil {
		return err
	}
	return printJSON(res)
}

func buildSignal(symbol, qty string) (domain.TradeSignal, error) {
	n, err := strconv.ParseInt(qty, 10, 64)
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("quantity %q: %w", qty, err)
	}
	balance, err := decimal.NewFromString(signalFlags.balance)
	if err != nil {
		return domain.TradeSignal{}, fmt.Errorf("balance %q: %w", signalFlags.balance, err)
	}

	sig := domain.TradeSignal{
		UserID:          signalFlags.user,
		Symbol:          symbol,
		Side:            domain.Side(signalFlags.side),
		Quantity:        n,
		OrderType:       domain.OrderType(signalFlags.orderType),
		Confidence:      signalFlags.confidence,
		RequestedBroker: signalFlags.broker,
		Region:          signalFlags.region,
		StrategyID:      signalFlags.strategy,
		IsPaperTrade:    signalFlags.paper,
		AccountBalance:  balance,
	}
	if signalFlags.limit != "" {
		p, err := decimal.NewFromString(signalFlags.limit)
		if err != nil {
			return domain.TradeSignal{}, fmt.Errorf("limit %q: %w", signalFlags.limit, err)
		}
		sig.LimitPrice = &p
	}
	return sig.Normalize(), nil
}
