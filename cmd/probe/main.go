package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shardminer/backend/internal/audit"
	"shardminer/backend/internal/client"
	"shardminer/backend/internal/mining"
	"shardminer/backend/internal/transfer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var apiURL string
	var verbose bool

	root := &cobra.Command{
		Use:           "probe",
		Short:         "Exercise a shardminer server as a miner would",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			log.SetOutput(os.Stderr)
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "server base URL")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newRunCmd(&apiURL))
	root.AddCommand(newBalanceCmd(&apiURL))
	root.AddCommand(newScoreCmd())
	root.AddCommand(newAuditCmd())
	return root
}

type runOutput struct {
	OrderID    string              `json:"orderId"`
	TargetMbps int                 `json:"targetMbps"`
	Transfer   transferSummary     `json:"transfer"`
	Metrics    mining.Metrics      `json:"metrics"`
	Claim      *mining.ClaimResult `json:"claim"`
}

type transferSummary struct {
	PacketsSent   int64   `json:"packetsSent"`
	PacketsEchoed int64   `json:"packetsEchoed"`
	SendFailures  int64   `json:"sendFailures"`
	DurationMs    int64   `json:"durationMs"`
	Loss          float64 `json:"loss"`
	JitterMs      float64 `json:"jitterMs"`
}

func newRunCmd(apiURL *string) *cobra.Command {
	var userID string
	var iceURLs []string
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Issue a work order, transfer, report, fetch the proof and claim it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			c, err := client.New(*apiURL, nil)
			if err != nil {
				return err
			}
			out, err := runOnce(cmd.Context(), c, userID, transfer.ICEConfig{URLs: iceURLs}, duration)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to mine for")
	cmd.Flags().StringSliceVar(&iceURLs, "ice", nil, "STUN/TURN URLs")
	cmd.Flags().DurationVar(&duration, "duration", 0, "override the order duration (0 keeps the server's)")
	return cmd
}

func runOnce(ctx context.Context, c *client.Client, userID string, ice transfer.ICEConfig, duration time.Duration) (*runOutput, error) {
	logger := log.WithField("user", userID)

	issued, err := c.IssueWork(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("issuing work: %w", err)
	}
	logger = logger.WithField("order", issued.ID)
	logger.WithField("targetMbps", issued.TargetMbps).Info("work order issued")

	order := transfer.OrderFrom(issued.WorkOrder)
	if duration > 0 {
		order.Duration = duration
	}

	runner := transfer.NewPeerRunner(c.Signaler(issued.Token),
		transfer.WithICE(ice),
		transfer.WithRunnerLogger(logger.WithField("component", "runner")),
	)
	result, err := runner.Run(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("transfer: %w", err)
	}
	logger.WithFields(log.Fields{
		"bytes": result.BytesReceived,
		"loss":  result.Loss,
	}).Info("transfer finished")

	metrics, err := c.ReportSession(ctx, issued.Token, result.Report(issued.ID))
	if err != nil {
		return nil, fmt.Errorf("reporting session: %w", err)
	}

	proof, err := c.Proof(ctx, issued.Token, issued.ID)
	if err != nil {
		return nil, fmt.Errorf("fetching proof: %w", err)
	}

	claim, err := c.Claim(ctx, proof)
	if err != nil {
		return nil, fmt.Errorf("claiming: %w", err)
	}
	logger.WithField("shards", claim.AddedScore).Info("claim credited")

	return &runOutput{
		OrderID:    issued.ID,
		TargetMbps: issued.TargetMbps,
		Transfer: transferSummary{
			PacketsSent:   result.PacketsSent,
			PacketsEchoed: result.PacketsEchoed,
			SendFailures:  result.SendFailures,
			DurationMs:    result.Duration.Milliseconds(),
			Loss:          result.Loss,
			JitterMs:      result.JitterMs,
		},
		Metrics: metrics,
		Claim:   claim,
	}, nil
}

func newBalanceCmd(apiURL *string) *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's lifetime shards",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := client.New(*apiURL, nil)
			if err != nil {
				return err
			}
			totals, err := c.Balance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), totals)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newScoreCmd() *cobra.Command {
	var bytes int64
	var loss, jitter float64
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the reward for a transfer without contacting a server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bytes < 0 || loss < 0 || loss > 1 || jitter < 0 {
				return fmt.Errorf("bytes and jitter must be >= 0, loss within [0,1]")
			}
			return printJSON(cmd.OutOrStdout(), mining.ComputeScore(bytes, loss, jitter))
		},
	}
	cmd.Flags().Int64Var(&bytes, "bytes", 0, "bytes received")
	cmd.Flags().Float64Var(&loss, "loss", 0, "packet loss ratio")
	cmd.Flags().Float64Var(&jitter, "jitter", 0, "jitter in milliseconds")
	return cmd
}

func newAuditCmd() *cobra.Command {
	var path, since, until string
	var filter audit.AuditFilter
	var success bool

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Search a server's audit log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if filter.StartTime, err = parseTime(since); err != nil {
				return fmt.Errorf("--since: %w", err)
			}
			if filter.EndTime, err = parseTime(until); err != nil {
				return fmt.Errorf("--until: %w", err)
			}
			if cmd.Flags().Changed("success") {
				filter.Success = &success
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			entries, err := audit.Query(f, filter)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []audit.AuditEntry{}
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&path, "file", "./data/audit.log", "audit log path")
	cmd.Flags().StringVar(&filter.UserID, "user", "", "only entries for this user")
	cmd.Flags().StringVar(&filter.OrderID, "order", "", "only entries for this order")
	cmd.Flags().StringVar(&filter.Action, "action", "", "only this action (work_issued, claim, ...)")
	cmd.Flags().StringVar(&since, "since", "", "RFC 3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC 3339 upper bound")
	cmd.Flags().BoolVar(&success, "success", false, "only successful (true) or failed (false) actions")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "stop after this many matches")
	return cmd
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
