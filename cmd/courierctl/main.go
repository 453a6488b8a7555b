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

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"form-courier/internal/config"
	"form-courier/internal/logging"
	"form-courier/internal/models"
	"form-courier/internal/poller"
	"form-courier/internal/tasks"
)

var (
	errTaskFailed  = errors.New("task did not succeed")
	errStillActive = errors.New("task still running")
)

// cli carries the root flags shared by every subcommand.
type cli struct {
	apiURL       string
	engineToken  string
	wait         bool
	pollInterval time.Duration
	maxAttempts  int

	client *apiClient
	log    *zap.SugaredLogger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(false, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(cfg, log.Named("courierctl")).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config, log *zap.SugaredLogger) *cobra.Command {
	c := &cli{log: log}
	root := &cobra.Command{
		Use:          "courierctl",
		Short:        "Start and follow form courier tasks",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient(c.apiURL, nil)
			if err != nil {
				return err
			}
			client.credential = c.engineToken
			c.client = client
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.apiURL, "api", cfg.APIURL, "courier API base URL")
	root.PersistentFlags().StringVar(&c.engineToken, "engine-token", cfg.AutomationToken, "automation engine token the started jobs act with")
	root.PersistentFlags().BoolVar(&c.wait, "wait", false, "poll the task until it settles")
	root.PersistentFlags().DurationVar(&c.pollInterval, "poll-interval", cfg.PollInterval, "delay before each status poll")
	root.PersistentFlags().IntVar(&c.maxAttempts, "max-attempts", cfg.PollMaxAttempts, "status polls before giving up")

	root.AddCommand(
		c.detectCmd(),
		c.singleCmd(),
		c.batchCmd(),
		c.statusCmd(),
		c.revokeCmd(),
		c.retryCmd(),
		c.checkCmd(),
	)
	return root
}

func (c *cli) detectCmd() *cobra.Command {
	var req tasks.DetectRequest
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect the forms of a company",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Detect(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if resp.TaskID == "" {
				return nil
			}
			return c.follow(cmd, resp.TaskID)
		},
	}
	cmd.Flags().Int64Var(&req.CompanyID, "company", 0, "company id")
	cmd.Flags().BoolVar(&req.ForceRefresh, "force", false, "detect again even when forms are known")
	cmd.Flags().StringVar(&req.ComplianceLevel, "level", "", "compliance level: strict, moderate or permissive")
	_ = cmd.MarkFlagRequired("company")
	return cmd
}

func (c *cli) singleCmd() *cobra.Command {
	var req tasks.SubmitRequest
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Submit a template to one form",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Single(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return c.follow(cmd, resp.TaskID)
		},
	}
	cmd.Flags().Int64Var(&req.FormID, "form", 0, "form id")
	cmd.Flags().Int64Var(&req.TemplateID, "template", 0, "template id")
	cmd.Flags().StringToStringVar(&req.TemplateData, "data", nil, "template variables as key=value")
	cmd.Flags().BoolVar(&req.DryRun, "dry-run", false, "fill the form without submitting it")
	cmd.Flags().BoolVar(&req.TakeScreenshot, "screenshot", false, "capture a screenshot after submitting")
	cmd.Flags().StringVar(&req.ComplianceLevel, "level", "", "compliance level: strict, moderate or permissive")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	var (
		req      tasks.BatchRequest
		interval float64
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Submit a template to many companies in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("interval") {
				req.IntervalSeconds = &interval
			}
			resp, err := c.client.Batch(cmd.Context(), req)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return c.follow(cmd, resp.TaskID)
		},
	}
	cmd.Flags().Int64SliceVar(&req.CompanyIDs, "companies", nil, "comma separated company ids")
	cmd.Flags().Int64Var(&req.TemplateID, "template", 0, "template id")
	cmd.Flags().Float64Var(&interval, "interval", 0, "seconds between companies")
	cmd.Flags().StringVar(&req.ComplianceLevel, "level", "", "compliance level: strict, moderate or permissive")
	cmd.Flags().BoolVar(&req.TestMode, "test-mode", false, "run every member as a dry run")
	_ = cmd.MarkFlagRequired("companies")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.wait {
				return c.follow(cmd, args[0])
			}
			ts, err := c.client.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ts)
		},
	}
}

func (c *cli) revokeCmd() *cobra.Command {
	req := actionRequest{Action: "revoke"}
	cmd := &cobra.Command{
		Use:   "revoke <task-id>",
		Short: "Revoke a task; running tasks stop at their next checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Action(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().BoolVar(&req.Terminate, "terminate", false, "interrupt a running task")
	cmd.Flags().StringVar(&req.Signal, "signal", "", "termination signal, e.g. SIGTERM")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Start a new task from a failed or revoked one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := c.client.Action(cmd.Context(), args[0], actionRequest{Action: "retry"})
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			return c.follow(cmd, resp.TaskID)
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	var level string
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Evaluate robots.txt and terms of service for a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := c.client.Check(cmd.Context(), complianceRequest{URL: args[0], ComplianceLevel: level})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), decision)
		},
	}
	cmd.Flags().StringVar(&level, "level", "", "compliance level: strict, moderate or permissive")
	return cmd
}

// follow polls id when --wait is set and prints the final status. A task that
// ended in anything but SUCCESS is reported as an error.
func (c *cli) follow(cmd *cobra.Command, id string) error {
	if !c.wait || id == "" {
		return nil
	}
	errOut := cmd.ErrOrStderr()
	p := poller.New(c.client, nil, poller.Options{
		Interval:    c.pollInterval,
		MaxAttempts: c.maxAttempts,
		OnStatus: func(ts models.TaskStatus) {
			fmt.Fprintln(errOut, progressLine(ts))
		},
	}, c.log)

	res, err := p.Poll(cmd.Context(), id)
	if err != nil {
		return err
	}
	switch res.Outcome {
	case poller.OutcomeSuccess:
		return printJSON(cmd.OutOrStdout(), res.Status)
	case poller.OutcomeFailure:
		if err := printJSON(cmd.OutOrStdout(), res.Status); err != nil {
			return err
		}
		return errors.Wrapf(errTaskFailed, "task %s ended %s", id, res.Status.Status)
	default:
		return errors.Wrapf(errStillActive, "task %s after %d polls; resume with: courierctl status --wait %s", id, res.Attempts, id)
	}
}

func progressLine(ts models.TaskStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", ts.TaskID, ts.Status)
	if p := ts.Progress; p != nil {
		fmt.Fprintf(&b, " %d/%d ok=%d failed=%d", p.Current, p.Total, p.Successful, p.Failed)
	}
	return b.String()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
