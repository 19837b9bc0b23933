package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"aftermeet/src/infrastructure/job"
	"aftermeet/src/jobctrl"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Enqueue a pipeline job by hand",
}

var scheduleAt string

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func parseAt() (time.Time, error) {
	if scheduleAt == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, scheduleAt)
}

// runSchedule resolves the pipeline and reports the enqueued job.
func runSchedule(cmd *cobra.Command, fn func(p *jobctrl.PipelineService) (*job.Job, error)) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	j, err := fn(a.pipeline())
	if errors.Is(err, job.ErrDuplicateJob) && j != nil {
		fmt.Printf("Job %s already %s for %s\n", j.ID, j.State, j.DedupeKey)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	fmt.Printf("Successfully enqueued job with ID: %s (runs at %s)\n", j.ID, j.RunAt.Format(time.RFC3339))
	return nil
}

var scheduleBotCmd = &cobra.Command{
	Use:   "bot <meeting-id>",
	Short: "Send the recording bot to a meeting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		at, err := parseAt()
		if err != nil {
			return err
		}
		return runSchedule(cmd, func(p *jobctrl.PipelineService) (*job.Job, error) {
			return p.ScheduleBot(cmd.Context(), id, at)
		})
	},
}

var scheduleContentCmd = &cobra.Command{
	Use:   "content <meeting-id> [platform...]",
	Short: "Draft social posts from a meeting transcript",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		platforms := args[1:]
		if len(platforms) == 0 {
			platforms = viper.GetStringSlice("scheduler.platforms")
		}
		return runSchedule(cmd, func(p *jobctrl.PipelineService) (*job.Job, error) {
			return p.ScheduleContent(cmd.Context(), id, platforms)
		})
	},
}

var schedulePostCmd = &cobra.Command{
	Use:   "post <post-id>",
	Short: "Publish a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		at, err := parseAt()
		if err != nil {
			return err
		}
		return runSchedule(cmd, func(p *jobctrl.PipelineService) (*job.Job, error) {
			return p.SchedulePost(cmd.Context(), id, at)
		})
	},
}

var scheduleCleanupCmd = &cobra.Command{
	Use:   "cleanup [category...]",
	Short: "Purge stale meetings, posts and transcripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		categories := args
		if len(categories) == 0 {
			categories = jobctrl.Categories
		}
		cutoff := time.Now().UTC().Add(-durationOr("scheduler.cleanup_age", 30*24*time.Hour))
		return runSchedule(cmd, func(p *jobctrl.PipelineService) (*job.Job, error) {
			return p.ScheduleCleanup(cmd.Context(), categories, cutoff)
		})
	},
}

func init() {
	scheduleCmd.PersistentFlags().StringVar(&scheduleAt, "at", "", "earliest run time (RFC 3339); now when empty")
	scheduleCmd.AddCommand(scheduleBotCmd, scheduleContentCmd, schedulePostCmd, scheduleCleanupCmd)
	rootCmd.AddCommand(scheduleCmd)
}
