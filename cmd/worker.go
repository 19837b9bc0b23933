package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"aftermeet/src/core/contentgen"
	"aftermeet/src/fsutil"
	"aftermeet/src/infrastructure/integrations/ollama"
	"aftermeet/src/infrastructure/integrations/recall"
	"aftermeet/src/infrastructure/integrations/social"
	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/log"
	"aftermeet/src/jobctrl"
	"aftermeet/src/storage/minioctrl"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background job worker",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// transcriptStorage returns the configured transcript backend: MinIO, or
// local disk when transcripts.backend is "local".
func transcriptStorage(ctx context.Context) (jobctrl.TranscriptStorage, error) {
	if viper.GetString("transcripts.backend") == "local" {
		return fsutil.NewTranscriptStore(fsutil.NewLocalFileStore(), viper.GetString("transcripts.local_dir")), nil
	}

	minioService, err := minioctrl.NewMinioService(
		viper.GetString("minio.endpoint"),
		viper.GetString("minio.access_key"),
		viper.GetString("minio.secret_key"),
		viper.GetBool("minio.use_ssl"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio service: %w", err)
	}
	bucket := viper.GetString("minio.transcript_bucket")
	if err := minioService.EnsureBucketExists(ctx, bucket); err != nil {
		return nil, err
	}
	return minioctrl.NewTranscriptStore(minioService, bucket), nil
}

func buildTasks(ctx context.Context, a *app) (jobctrl.Tasks, error) {
	transcripts, err := transcriptStorage(ctx)
	if err != nil {
		return jobctrl.Tasks{}, err
	}

	client := httpClient()
	recorder := recall.NewClient(viper.GetString("recall.url"), viper.GetString("recall.api_key"), client)

	ollamaClient := ollama.NewClient(viper.GetString("ollama.url"), nil)
	if err := ollamaClient.Ping(ctx); err != nil {
		log.Error(err, "ollama not reachable, content jobs will retry")
	}
	provider := ollama.NewProvider(ollamaClient, viper.GetString("ollama.model"),
		ollama.WithTemperature(viper.GetFloat64("ollama.temperature")),
		ollama.WithTopP(viper.GetFloat64("ollama.top_p")))
	generator := contentgen.NewContentFlow(provider)

	publisher := social.NewPublisher().
		Register(social.PlatformLinkedIn, social.NewLinkedInClient(viper.GetString("linkedin.api_url"), client)).
		Register(social.PlatformFacebook, social.NewFacebookClient(viper.GetString("facebook.api_url"), client))
	for _, platform := range schedulerConfig().Platforms {
		if !slices.Contains(publisher.Platforms(), platform) {
			return jobctrl.Tasks{}, fmt.Errorf("scheduler platform %q has no publisher", platform)
		}
	}
	log.Info("social publisher ready", "platforms", publisher.Platforms())

	bot := jobctrl.NewBotTask(a.meetings, recorder, transcripts)
	bot.SetBotName(viper.GetString("recall.bot_name"))

	return jobctrl.Tasks{
		Bot:     bot,
		Content: jobctrl.NewContentTask(a.meetings, a.posts, transcripts, generator),
		Publish: jobctrl.NewPublishTask(a.posts, a.accounts, publisher),
		Cleanup: jobctrl.NewCleanupTask(a.meetings, a.posts, transcripts),
	}, nil
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	tasks, err := buildTasks(ctx, a)
	if err != nil {
		return err
	}

	opts := []job.DispatcherOption{job.WithPollInterval(viper.GetDuration("worker.poll_interval"))}
	for _, q := range job.Queues {
		opts = append(opts, job.WithConcurrency(q, viper.GetInt("worker.concurrency."+string(q))))
	}
	dispatcher := job.NewDispatcher(a.store, log.Logger(), opts...)
	jobctrl.RegisterHandlers(dispatcher, tasks)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	if url := viper.GetString("amqp.url"); url != "" {
		router, err := newWakeupRouter(url, dispatcher)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return router.Run(ctx)
		})
	}

	log.Info("worker started", "queues", job.Queues)
	err = g.Wait()
	log.Info("worker stopped")
	return err
}

// newWakeupRouter subscribes the dispatcher to enqueue notifications so idle
// workers claim new jobs without waiting for the next poll.
func newWakeupRouter(url string, dispatcher *job.Dispatcher) (*message.Router, error) {
	logger := log.NewWatermillAdapter(log.WithName("watermill"))

	subscriberConfig := amqp.NewDurableQueueConfig(url)
	subscriberConfig.Consume.NoRequeueOnNack = true
	subscriber, err := amqp.NewSubscriber(subscriberConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber: %w", err)
	}

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, err
	}
	router.AddMiddleware(
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: time.Second,
			Logger:          logger,
		}.Middleware,
	)
	dispatcher.AddWakeupHandlers(router, subscriber)
	return router, nil
}
