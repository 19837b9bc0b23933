package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"aftermeet/src/infrastructure/integrations/calendar"
	"aftermeet/src/infrastructure/lock"
	"aftermeet/src/infrastructure/log"
	"aftermeet/src/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the periodic sweeps that enqueue meeting and post jobs",
	RunE:  runScheduler,
}

var (
	schedulerOnce string
	schedulerList bool
)

func init() {
	schedulerCmd.Flags().StringVar(&schedulerOnce, "once", "", "run the named sweep once and exit")
	schedulerCmd.Flags().BoolVar(&schedulerList, "list", false, "print the enabled sweeps and their intervals, then exit")
	rootCmd.AddCommand(schedulerCmd)
}

// googleEndpoint is Google's OAuth 2.0 endpoint, used to refresh calendar tokens.
var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

func schedulerConfig() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Lookahead = durationOr("scheduler.lookahead", cfg.Lookahead)
	cfg.BotLeadTime = durationOr("scheduler.bot_lead_time", cfg.BotLeadTime)
	cfg.CleanupAge = durationOr("scheduler.cleanup_age", cfg.CleanupAge)
	cfg.PruneAge = durationOr("scheduler.prune_age", cfg.PruneAge)
	cfg.StallTimeout = durationOr("scheduler.stall_timeout", cfg.StallTimeout)
	if platforms := viper.GetStringSlice("scheduler.platforms"); len(platforms) > 0 {
		cfg.Platforms = platforms
	}
	if n := viper.GetInt("scheduler.max_resubmissions"); n > 0 {
		cfg.MaxResubmissions = n
	}
	return cfg
}

func runScheduler(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := []scheduler.Option{scheduler.WithLogger(log.Logger())}

	if addr := viper.GetString("valkey.addr"); addr != "" {
		client, err := lock.NewValkeyClient(addr)
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, scheduler.WithLocker(lock.NewValkeyLocker(client)))
	}

	if viper.GetBool("scheduler.calendar_sync") {
		oauthConfig := &oauth2.Config{
			ClientID:     viper.GetString("google.client_id"),
			ClientSecret: viper.GetString("google.client_secret"),
			Endpoint:     googleEndpoint,
		}
		source := calendar.NewGoogleClient(viper.GetString("google.calendar_url"), oauthConfig, httpClient())
		opts = append(opts, scheduler.WithCalendar(a.accounts, source))
	}

	reconciler := scheduler.NewReconciler(a.pipeline(), a.meetings, a.posts, schedulerConfig(), opts...)
	if schedulerList {
		for _, s := range reconciler.Sweeps() {
			fmt.Printf("%-20s %s\n", s.Name, s.Interval)
		}
		return nil
	}
	if schedulerOnce != "" {
		return reconciler.RunSweep(ctx, schedulerOnce)
	}

	for _, s := range reconciler.Sweeps() {
		log.Info("sweep enabled", "sweep", s.Name, "interval", s.Interval)
	}
	err = reconciler.Run(ctx)
	log.Info("scheduler stopped")
	return err
}
