package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/roach88/psm/internal/position"
	"github.com/roach88/psm/internal/psm"
	"github.com/roach88/psm/internal/store"
)

func parseDecimal(field, s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, &position.ValidationError{Field: field, Message: fmt.Sprintf("not a number: %q", s)}
	}
	return v, nil
}

// optionalDecimal parses the flag only when the user set it.
func optionalDecimal(cmd *cobra.Command, flag, field, value string) (decimal.NullDecimal, error) {
	if !cmd.Flags().Changed(flag) {
		return decimal.NullDecimal{}, nil
	}
	v, err := parseDecimal(field, value)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}

// withSession runs fn against an open session and closes it afterwards.
func withSession(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	s, err := openSession(opts, cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(cmd.Context(), s)
}

// OpenOptions holds flags for the open command.
type OpenOptions struct {
	*RootOptions
	ID              string
	Symbol          string
	Side            string
	Entry           string
	Amount          string
	Stop            string
	TakeProfit      string
	TrailingStopPct string
	Fees            string
	OrderID         string
	Notes           string
	Metadata        map[string]string
}

// NewOpenCommand creates the open command.
func NewOpenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OpenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a new position",
		Long: `Record a new OPEN position together with its OPENED event.

Examples:
  psm open --symbol BTC/USDT --side long --entry 50000 --amount 0.1
  psm open --symbol ETH/USDT --side short --entry 3000 --amount 2 --stop 3100 --meta strategy=breakout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOpen(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "position id (generated when empty)")
	cmd.Flags().StringVar(&opts.Symbol, "symbol", "", "trading pair, e.g. BTC/USDT (required)")
	cmd.Flags().StringVar(&opts.Side, "side", "", "LONG or SHORT (required)")
	cmd.Flags().StringVar(&opts.Entry, "entry", "", "entry price (required)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "position size (required)")
	cmd.Flags().StringVar(&opts.Stop, "stop", "", "stop price")
	cmd.Flags().StringVar(&opts.TakeProfit, "take-profit", "", "take profit price")
	cmd.Flags().StringVar(&opts.TrailingStopPct, "trailing-stop-pct", "", "trailing stop in percent")
	cmd.Flags().StringVar(&opts.Fees, "fees", "0", "fees paid so far")
	cmd.Flags().StringVar(&opts.OrderID, "order-id", "", "exchange order id used by reconciliation")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "free-form notes")
	cmd.Flags().StringToStringVar(&opts.Metadata, "meta", nil, "metadata key=value pairs")
	for _, f := range []string{"symbol", "side", "entry", "amount"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

func (o *OpenOptions) request(cmd *cobra.Command) (psm.OpenRequest, error) {
	req := psm.OpenRequest{
		ID:              o.ID,
		Symbol:          o.Symbol,
		Side:            position.Side(o.Side),
		ExchangeOrderID: o.OrderID,
		Notes:           o.Notes,
		Metadata:        o.Metadata,
	}
	var err error
	if req.EntryPrice, err = parseDecimal(position.FieldEntryPrice, o.Entry); err != nil {
		return req, err
	}
	if req.Amount, err = parseDecimal(position.FieldAmount, o.Amount); err != nil {
		return req, err
	}
	if req.Fees, err = parseDecimal(position.FieldFees, o.Fees); err != nil {
		return req, err
	}
	if req.StopPrice, err = optionalDecimal(cmd, "stop", position.FieldStopPrice, o.Stop); err != nil {
		return req, err
	}
	if req.TakeProfitPrice, err = optionalDecimal(cmd, "take-profit", position.FieldTakeProfitPrice, o.TakeProfit); err != nil {
		return req, err
	}
	if req.TrailingStopPct, err = optionalDecimal(cmd, "trailing-stop-pct", position.FieldTrailingStopPct, o.TrailingStopPct); err != nil {
		return req, err
	}
	return req, nil
}

func runOpen(opts *OpenOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)
	req, err := opts.request(cmd)
	if err != nil {
		return out.Fail("invalid position", err)
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		id, err := s.manager.OpenPosition(ctx, req)
		if err != nil {
			return out.Fail("failed to open position", err)
		}
		p, err := s.manager.GetPosition(ctx, id)
		if err != nil {
			return out.Fail("failed to read position", err)
		}
		return out.Success(newPositionView(p))
	})
}

// UpdateOptions holds flags for the update command.
type UpdateOptions struct {
	*RootOptions
	Price           string
	Stop            string
	TakeProfit      string
	TrailingStopPct string
	Amount          string
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &UpdateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "update <position-id>",
		Short: "Update an open position",
		Long: `Apply price, stop or size changes to an OPEN position.

Only the flags given are changed. The UPDATED event records the changed
fields; nothing is written when no value differs.

Examples:
  psm update 0190f1c2-... --price 51000
  psm update 0190f1c2-... --stop 49500 --take-profit 55000`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpdate(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Price, "price", "", "current market price")
	cmd.Flags().StringVar(&opts.Stop, "stop", "", "stop price")
	cmd.Flags().StringVar(&opts.TakeProfit, "take-profit", "", "take profit price")
	cmd.Flags().StringVar(&opts.TrailingStopPct, "trailing-stop-pct", "", "trailing stop in percent")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "position size")

	return cmd
}

func (o *UpdateOptions) request(cmd *cobra.Command) (psm.UpdateRequest, error) {
	var req psm.UpdateRequest
	var err error
	if req.CurrentPrice, err = optionalDecimal(cmd, "price", position.FieldCurrentPrice, o.Price); err != nil {
		return req, err
	}
	if req.StopPrice, err = optionalDecimal(cmd, "stop", position.FieldStopPrice, o.Stop); err != nil {
		return req, err
	}
	if req.TakeProfitPrice, err = optionalDecimal(cmd, "take-profit", position.FieldTakeProfitPrice, o.TakeProfit); err != nil {
		return req, err
	}
	if req.TrailingStopPct, err = optionalDecimal(cmd, "trailing-stop-pct", position.FieldTrailingStopPct, o.TrailingStopPct); err != nil {
		return req, err
	}
	if req.Amount, err = optionalDecimal(cmd, "amount", position.FieldAmount, o.Amount); err != nil {
		return req, err
	}
	return req, nil
}

func runUpdate(opts *UpdateOptions, cmd *cobra.Command, id string) error {
	out := newFormatter(opts.RootOptions, cmd)
	req, err := opts.request(cmd)
	if err != nil {
		return out.Fail("invalid update", err)
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		changed, err := s.manager.UpdatePosition(ctx, id, req)
		if err != nil {
			return out.Fail("failed to update position", err)
		}
		if !changed {
			out.VerboseLog("position %s unchanged", id)
		}
		p, err := s.manager.GetPosition(ctx, id)
		if err != nil {
			return out.Fail("failed to read position", err)
		}
		return out.Success(newPositionView(p))
	})
}

// CloseOptions holds flags for the close command.
type CloseOptions struct {
	*RootOptions
	Exit   string
	Reason string
}

// NewCloseCommand creates the close command.
func NewCloseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CloseOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "close <position-id>",
		Short: "Close an open position",
		Long: `Close an OPEN position at the given exit price and record the final PnL.

Examples:
  psm close 0190f1c2-... --exit 51500 --reason TAKE_PROFIT`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClose(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Exit, "exit", "", "exit price (required)")
	cmd.Flags().StringVar(&opts.Reason, "reason", "MANUAL", "close reason")
	_ = cmd.MarkFlagRequired("exit")

	return cmd
}

func runClose(opts *CloseOptions, cmd *cobra.Command, id string) error {
	out := newFormatter(opts.RootOptions, cmd)
	exit, err := parseDecimal(position.FieldExitPrice, opts.Exit)
	if err != nil {
		return out.Fail("invalid exit price", err)
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		p, err := s.manager.ClosePosition(ctx, id, exit, opts.Reason)
		if err != nil {
			return out.Fail("failed to close position", err)
		}
		return out.Success(newPositionView(p))
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <position-id>",
		Short: "Show one position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				p, err := s.manager.GetPosition(ctx, args[0])
				if err != nil {
					return out.Fail("failed to get position", err)
				}
				return out.Success(newPositionView(p))
			})
		},
	}
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Symbol string
	Status string
	Limit  int
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List positions",
		Long: `List positions, OPEN ones by default.

Examples:
  psm list
  psm list --symbol BTC/USDT --status all --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Symbol, "symbol", "", "only this symbol")
	cmd.Flags().StringVar(&opts.Status, "status", "open", "open, closed or all")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of positions (0 = no limit)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	out := newFormatter(opts.RootOptions, cmd)

	filter := store.PositionFilter{Symbol: opts.Symbol, Limit: opts.Limit}
	switch strings.ToLower(opts.Status) {
	case "open":
		filter.Status = position.StatusOpen
	case "closed":
		filter.Status = position.StatusClosed
	case "all", "":
	default:
		return out.Fail("invalid status", &position.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("must be open, closed or all, got %q", opts.Status),
		})
	}

	return withSession(opts.RootOptions, cmd, func(ctx context.Context, s *session) error {
		positions, err := s.manager.ListPositions(ctx, filter)
		if err != nil {
			return out.Fail("failed to list positions", err)
		}
		return out.Success(newPositionList(positions))
	})
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <position-id>",
		Short: "Show the event history of a position",
		Long: `Print the append-only event log of one position in order.

With --verbose every event's data is printed, otherwise only the changed
field names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				events, err := s.manager.GetPositionHistory(ctx, args[0])
				if err != nil {
					return out.Fail("failed to read history", err)
				}
				return out.Success(newEventList(events))
			})
		},
	}
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <position-id>",
		Short: "Rebuild a position from its events and compare with the stored row",
		Long: `Replay the event log of one position and compare the result with the
stored row.

Exit codes:
  0 - Replay matches the stored row
  1 - Replay differs from the stored row
  2 - Unknown position or command error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			return withSession(rootOpts, cmd, func(ctx context.Context, s *session) error {
				return runReplay(ctx, s.manager, out, args[0])
			})
		},
	}
}

func runReplay(ctx context.Context, m *psm.Manager, out *OutputFormatter, id string) error {
	stored, err := m.GetPosition(ctx, id)
	if err != nil {
		return out.Fail("failed to get position", err)
	}
	replayed, err := m.ReplayPosition(ctx, id)
	if err != nil {
		return out.Fail("failed to replay position", err)
	}

	diff := position.Diff(stored, replayed)
	view := replayView{
		Position:    newPositionView(replayed),
		Stored:      newPositionView(stored),
		Consistent:  len(diff) == 0,
		Differences: diff,
	}
	if !view.Consistent {
		return out.Report(view, "E_INTEGRITY", "replay differs from stored row", ExitFailure)
	}
	return out.Success(view)
}
