package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reasoning-cli/internal/estimate"
	"github.com/sells-group/reasoning-cli/internal/model"
	"github.com/sells-group/reasoning-cli/internal/monitoring"
	"github.com/sells-group/reasoning-cli/internal/pipeline"
	"github.com/sells-group/reasoning-cli/internal/store"
)

var instanceCmd = &cobra.Command{
	Use:     "instance",
	Aliases: []string{"inst"},
	Short:   "Create, execute and inspect instances",
	Long:    "Commands for running definitions as instances and inspecting their outputs.",
}

// -- instance create --

var instanceCreateCmd = &cobra.Command{
	Use:   "create <definition-id>",
	Short: "Create a pending instance of a definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		inst, err := env.Controller.CreateInstance(ctx, args[0])
		if err != nil {
			return err
		}
		if gen, _ := cmd.Flags().GetBool("generate"); gen {
			if inst, err = env.Controller.GenerateCombinations(ctx, inst.ID); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "generated %d combinations\n", len(inst.InputCombinations))
		}
		fmt.Println(inst.ID)
		return nil
	},
}

// -- instance execute --

var instanceExecuteCmd = &cobra.Command{
	Use:   "execute <instance-id>",
	Short: "Execute a pending instance",
	Long: "Resolves views, generates combinations and generates one output per " +
		"combination. Interrupting cancels the run; calls in flight are recorded.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]
		env, err := initEnv(ctx, "execute")
		if err != nil {
			return err
		}
		defer env.Close()

		every, _ := cmd.Flags().GetDuration("progress-interval")
		stop := watchRun(ctx, env.Controller, id, every)
		res, err := env.Controller.Execute(ctx, id)
		stop()

		var pre *pipeline.PrecheckError
		if errors.As(err, &pre) {
			var limit float64
			var exceeded *estimate.CostExceededError
			var unpriced *estimate.UnpricedModelError
			switch {
			case errors.As(err, &exceeded):
				limit = exceeded.LimitUSD
			case errors.As(err, &unpriced):
				limit = unpriced.LimitUSD
			}
			formatEstimate(os.Stderr, pre.Estimate, limit)
			return err
		}
		if res != nil {
			formatBatchResult(os.Stdout, res.Batch)
			if res.Instance != nil {
				fmt.Printf("Status: %s\n", res.Instance.Status)
			}
		}
		return err
	},
}

// -- instance run-combinations --

var instanceRunCombinationsCmd = &cobra.Command{
	Use:   "run-combinations <instance-id> <combination-id>...",
	Short: "Execute specific combinations of an instance",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]
		env, err := initEnv(ctx, "execute")
		if err != nil {
			return err
		}
		defer env.Close()

		stop := watchRun(ctx, env.Controller, id, 0)
		res, err := env.Controller.ExecuteCombinations(ctx, id, args[1:])
		stop()
		if err != nil {
			return err
		}
		formatBatchResult(os.Stdout, res)
		return nil
	},
}

// -- instance retry --

var instanceRetryCmd = &cobra.Command{
	Use:   "retry <instance-id>",
	Short: "Re-run every failed or missing combination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		id := args[0]
		env, err := initEnv(ctx, "execute")
		if err != nil {
			return err
		}
		defer env.Close()

		stop := watchRun(ctx, env.Controller, id, 0)
		res, err := env.Controller.RetryFailed(ctx, id)
		stop()
		if err != nil {
			return err
		}
		if res.Requested == 0 {
			fmt.Fprintln(os.Stderr, "No failed combinations.")
			return nil
		}
		formatBatchResult(os.Stdout, res)
		return nil
	},
}

// -- instance reset --

var instanceResetCmd = &cobra.Command{
	Use:   "reset <instance-id>",
	Short: "Return a finished instance to pending with fresh combinations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		inst, err := env.Controller.RegenerateAndReset(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s reset: %d combinations\n", truncateID(inst.ID), len(inst.InputCombinations))
		return nil
	},
}

// -- instance combinations --

var instanceCombinationsCmd = &cobra.Command{
	Use:   "combinations <instance-id>",
	Short: "Generate combinations for a pending instance and list them",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		inst, err := env.Controller.GetInstance(ctx, args[0])
		if err != nil {
			return err
		}
		if len(inst.InputCombinations) == 0 && inst.Status == model.InstanceStatusPending {
			if inst, err = env.Controller.GenerateCombinations(ctx, args[0]); err != nil {
				return err
			}
		}
		return printJSON(os.Stdout, inst.InputCombinations)
	},
}

// -- instance show --

var instanceShowCmd = &cobra.Command{
	Use:   "show <instance-id>",
	Short: "Show full details of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inst, err := st.GetInstance(ctx, args[0])
		if err != nil {
			return err
		}
		if views, _ := cmd.Flags().GetBool("views"); !views {
			inst.ResolvedViews = nil
			inst.InputCombinations = nil
		}
		return printJSON(os.Stdout, inst)
	},
}

// -- instance list --

var instanceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List instances",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		defID, _ := cmd.Flags().GetString("definition")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		insts, err := st.ListInstances(ctx, store.InstanceFilter{
			DefinitionID: defID,
			Status:       model.InstanceStatus(status),
			Limit:        limit,
		})
		if err != nil {
			return err
		}
		if len(insts) == 0 {
			fmt.Fprintln(os.Stderr, "No instances found.")
			return nil
		}
		formatInstancesList(os.Stdout, insts)
		return nil
	},
}

// -- instance progress --

var instanceProgressCmd = &cobra.Command{
	Use:   "progress <instance-id>",
	Short: "Show progress of an instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "local")
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Controller.Progress(ctx, args[0])
		if err != nil {
			return err
		}
		formatProgress(os.Stdout, p)
		return nil
	},
}

// -- instance failed --

var instanceFailedCmd = &cobra.Command{
	Use:   "failed <instance-id>",
	Short: "List combination ids whose output failed or is missing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		inst, err := st.GetInstance(ctx, args[0])
		if err != nil {
			return err
		}
		for _, id := range inst.FailedCombinationIDs() {
			fmt.Println(id)
		}
		return nil
	},
}

// -- instance stats --

var instanceStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate instance statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		since, _ := cmd.Flags().GetDuration("since")

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx, int(since.Hours()))
		if err != nil {
			return err
		}
		formatStats(os.Stdout, snap)
		return nil
	},
}

// watchRun cancels the run on SIGINT or SIGTERM and, when every is
// positive, logs progress while it runs. The returned func stops watching.
func watchRun(ctx context.Context, ctrl *pipeline.Controller, id string, every time.Duration) func() {
	sigCtx, stopSignals := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		var tick <-chan time.Time
		if every > 0 {
			t := time.NewTicker(every)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-done:
				return
			case <-sigCtx.Done():
				if ctx.Err() != nil {
					return
				}
				zap.L().Warn("interrupt received, cancelling run", zap.String("instance_id", id))
				if err := ctrl.Cancel(id); err != nil {
					zap.L().Debug("cancel", zap.Error(err))
				}
				return
			case <-tick:
				if p, err := ctrl.Progress(ctx, id); err == nil && p.Running {
					formatProgress(os.Stderr, p)
				}
			}
		}
	}()

	return func() {
		close(done)
		stopSignals()
	}
}

func init() {
	instanceCreateCmd.Flags().Bool("generate", false, "resolve views and generate combinations immediately")
	instanceExecuteCmd.Flags().Duration("progress-interval", 10*time.Second, "how often to print progress (0 disables)")
	instanceShowCmd.Flags().Bool("views", false, "include resolved views and combinations")
	instanceListCmd.Flags().String("definition", "", "filter by definition id")
	instanceListCmd.Flags().String("status", "", "filter by status (pending, generating_outputs, completed, failed, ...)")
	instanceListCmd.Flags().Int("limit", 50, "max number of instances to display")
	instanceStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (0 for all time)")

	instanceCmd.AddCommand(instanceCreateCmd)
	instanceCmd.AddCommand(instanceExecuteCmd)
	instanceCmd.AddCommand(instanceRunCombinationsCmd)
	instanceCmd.AddCommand(instanceRetryCmd)
	instanceCmd.AddCommand(instanceResetCmd)
	instanceCmd.AddCommand(instanceCombinationsCmd)
	instanceCmd.AddCommand(instanceShowCmd)
	instanceCmd.AddCommand(instanceListCmd)
	instanceCmd.AddCommand(instanceProgressCmd)
	instanceCmd.AddCommand(instanceFailedCmd)
	instanceCmd.AddCommand(instanceStatsCmd)
	rootCmd.AddCommand(instanceCmd)
}
