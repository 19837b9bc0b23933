package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"aftermeet/src/infrastructure/job"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and administer job queues",
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print job counts per state for every queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(jobs *job.JobService) error {
			summaries, err := jobs.Summaries(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range summaries {
				paused := ""
				if s.Paused {
					paused = " (paused)"
				}
				fmt.Printf("%-20s%s\n", s.Queue, paused)
				for _, state := range job.States {
					fmt.Printf("  %-10s %d\n", state, s.Counts[state])
				}
			}
			return nil
		})
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list <queue> [state...]",
	Short: "List jobs of a queue as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(jobs *job.JobService) error {
			states, err := job.ParseStates(args[1:])
			if err != nil {
				return err
			}
			list, err := jobs.List(cmd.Context(), job.QueueName(args[0]), states...)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		})
	},
}

var queueKindsCmd = &cobra.Command{
	Use:   "kinds",
	Short: "List the job kinds of every queue with their retry defaults",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, spec := range newRegistry().Kinds() {
			fmt.Printf("%-20s %-18s attempts=%d backoff=%s/%s\n",
				spec.Queue, spec.Name, spec.Defaults.MaxAttempts, spec.Defaults.Backoff.Strategy, spec.Defaults.Backoff.BaseDelay)
		}
		return nil
	},
}

var queuePauseCmd = &cobra.Command{
	Use:   "pause <queue>",
	Short: "Stop workers from claiming jobs of a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(jobs *job.JobService) error {
			return jobs.Pause(cmd.Context(), job.QueueName(args[0]))
		})
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume <queue>",
	Short: "Let workers claim jobs of a paused queue again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(jobs *job.JobService) error {
			return jobs.Resume(cmd.Context(), job.QueueName(args[0]))
		})
	},
}

var (
	retryMaxResubmissions int
	retryLimit            int
	cleanOlderThan        time.Duration
)

var queueRetryCmd = &cobra.Command{
	Use:   "retry-failed [queue...]",
	Short: "Resubmit retryable failed jobs; all queues when none are named",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(jobs *job.JobService) error {
			queues := queueArgs(args)
			bar := progressbar.Default(int64(len(queues)), "resubmitting")
			total := 0
			for _, q := range queues {
				bar.Describe(string(q))
				resubmitted, err := jobs.RetryFailed(cmd.Context(), q, retryMaxResubmissions, retryLimit)
				if err != nil {
					return err
				}
				total += len(resubmitted)
				bar.Add(1)
			}
			fmt.Printf("\nresubmitted %d jobs\n", total)
			return nil
		})
	},
}

var queueCleanCmd = &cobra.Command{
	Use:   "clean [queue...]",
	Short: "Remove finished jobs; all queues when none are named",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJobService(cmd, func(jobs *job.JobService) error {
			queues := queueArgs(args)
			bar := progressbar.Default(int64(len(queues)), "cleaning")
			cutoff := time.Now().UTC().Add(-cleanOlderThan)
			total := 0
			for _, q := range queues {
				bar.Describe(string(q))
				n, err := jobs.Clean(cmd.Context(), q, cutoff)
				if err != nil {
					return err
				}
				total += n
				bar.Add(1)
			}
			fmt.Printf("\nremoved %d jobs\n", total)
			return nil
		})
	},
}

func init() {
	queueRetryCmd.Flags().IntVar(&retryMaxResubmissions, "max-resubmissions", 3, "skip jobs resubmitted this many times")
	queueRetryCmd.Flags().IntVar(&retryLimit, "limit", 100, "maximum jobs resubmitted per queue")
	queueCleanCmd.Flags().DurationVar(&cleanOlderThan, "older-than", time.Hour, "remove jobs finished longer ago than this")

	queueCmd.AddCommand(queueStatsCmd, queueListCmd, queueKindsCmd, queuePauseCmd, queueResumeCmd, queueRetryCmd, queueCleanCmd)
	rootCmd.AddCommand(queueCmd)
}

func queueArgs(args []string) []job.QueueName {
	if len(args) == 0 {
		return job.Queues
	}
	queues := make([]job.QueueName, 0, len(args))
	for _, a := range args {
		queues = append(queues, job.QueueName(a))
	}
	return queues
}

func withJobService(cmd *cobra.Command, fn func(jobs *job.JobService) error) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a.jobService())
}
