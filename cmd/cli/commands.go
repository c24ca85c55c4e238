package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	grpcserver "github.com/fenceit/trackit/internal/server/grpc"
)

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Store an access token issued by `trackit-server token`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := strings.TrimSpace(args[0])
			exp, err := tokenExpiry(raw)
			if err != nil {
				return err
			}
			if err := saveToken(raw, exp); err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.out, "ok, token valid until %s\n", exp.Format(time.RFC3339))
			return err
		},
	}
}

func (c *cli) jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Create and inspect jobs"}

	var name, client, status string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{"name": name}
			setIfNotEmpty(req, "client", client)
			setIfNotEmpty(req, "status", status)
			return c.call(grpcserver.MethodCreateJob, req)
		},
	}
	create.Flags().StringVar(&name, "name", "", "job name")
	create.Flags().StringVar(&client, "client", "", "client name")
	create.Flags().StringVar(&status, "status", "", "In Progress, Completed or On Hold")
	_ = create.MarkFlagRequired("name")

	job.AddCommand(
		create,
		c.byJob("get <job-id>", "Show a job and its totals", grpcserver.MethodGetJob),
		c.byJob("recompute <job-id>", "Recompute a job's totals now", grpcserver.MethodRecomputeJob),
	)
	return job
}

func (c *cli) materialCmd() *cobra.Command {
	mat := &cobra.Command{Use: "material", Short: "Manage a job's material lines"}

	var (
		line, sku, name string
		qty, cost       float64
	)
	upsert := &cobra.Command{
		Use:   "upsert <job-id>",
		Short: "Add a material line or edit an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"jobId": args[0]}
			setIfNotEmpty(req, "lineId", line)
			setIfNotEmpty(req, "sku", sku)
			setIfNotEmpty(req, "name", name)
			if cmd.Flags().Changed("qty") {
				req["quantity"] = qty
			}
			if cmd.Flags().Changed("cost") {
				req["unitCost"] = cost
			}
			return c.call(grpcserver.MethodUpsertMaterial, req)
		},
	}
	upsert.Flags().StringVar(&line, "line", "", "existing line id")
	upsert.Flags().StringVar(&sku, "sku", "", "catalog SKU")
	upsert.Flags().StringVar(&name, "name", "", "display name")
	upsert.Flags().Float64Var(&qty, "qty", 0, "quantity")
	upsert.Flags().Float64Var(&cost, "cost", 0, "unit cost, defaults to the catalog price")

	mat.AddCommand(
		c.byJob("list <job-id>", "List material lines", grpcserver.MethodListMaterials),
		upsert,
		c.byChild("rm <job-id> <line-id>", "Delete a material line", grpcserver.MethodDeleteMaterial, "lineId"),
	)
	return mat
}

func (c *cli) sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Clock labor sessions"}

	var taskType, user, startedAt string
	start := &cobra.Command{
		Use:   "start <job-id>",
		Short: "Start a labor session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"jobId": args[0]}
			setIfNotEmpty(req, "taskTypeId", taskType)
			setIfNotEmpty(req, "userId", user)
			setIfNotEmpty(req, "startedAt", startedAt)
			return c.call(grpcserver.MethodStartSession, req)
		},
	}
	start.Flags().StringVar(&taskType, "task", "", "task type id")
	start.Flags().StringVar(&user, "user", "", "worker id, defaults to the caller")
	start.Flags().StringVar(&startedAt, "at", "", "start time (RFC3339), defaults to now")

	var (
		stoppedAt, notes string
		units            float64
		photos           []string
	)
	stop := &cobra.Command{
		Use:   "stop <job-id> <session-id>",
		Short: "Stop a running session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{"jobId": args[0], "sessionId": args[1]}
			setIfNotEmpty(req, "stoppedAt", stoppedAt)
			if cmd.Flags().Changed("units") {
				req["unitsCompleted"] = units
			}
			if cmd.Flags().Changed("notes") {
				req["notes"] = notes
			}
			if len(photos) > 0 {
				list := make([]any, len(photos))
				for i, p := range photos {
					list[i] = p
				}
				req["photos"] = list
			}
			return c.call(grpcserver.MethodStopSession, req)
		},
	}
	stop.Flags().StringVar(&stoppedAt, "at", "", "stop time (RFC3339), defaults to now")
	stop.Flags().Float64Var(&units, "units", 0, "units completed")
	stop.Flags().StringVar(&notes, "notes", "", "free-form notes")
	stop.Flags().StringArrayVar(&photos, "photo", nil, "photo reference, repeatable")

	sess.AddCommand(
		c.byJob("list <job-id>", "List sessions", grpcserver.MethodListSessions),
		start,
		stop,
		c.byChild("rm <job-id> <session-id>", "Delete a session (managers only)", grpcserver.MethodDeleteSession, "sessionId"),
	)
	return sess
}

func (c *cli) backfillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "Re-derive all costs from current rates (managers only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(grpcserver.MethodBackfill, nil)
		},
	}
}

func (c *cli) aggregateDailyCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "aggregate-daily",
		Short: "Write the labor rollup for the last complete day (managers only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req := map[string]any{}
			setIfNotEmpty(req, "at", at)
			return c.call(grpcserver.MethodAggregateDaily, req)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference time (RFC3339), defaults to now")
	return cmd
}

// byJob builds a command whose only argument is a job id.
func (c *cli) byJob(use, short, method string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(method, map[string]any{"jobId": args[0]})
		},
	}
}

// byChild builds a command addressing one child document of a job.
func (c *cli) byChild(use, short, method, idKey string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.call(method, map[string]any{"jobId": args[0], idKey: args[1]})
		},
	}
}

func setIfNotEmpty(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}
