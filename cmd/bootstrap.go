package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/glebarez/sqlite"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"aftermeet/src/infrastructure/job"
	"aftermeet/src/infrastructure/log"
	"aftermeet/src/jobctrl"
	"aftermeet/src/storage/postgres/accountctrl"
	"aftermeet/src/storage/postgres/meetingctrl"
	"aftermeet/src/storage/postgres/socialpostctrl"
)

// app holds the storage every command shares.
type app struct {
	db       *gorm.DB
	store    *job.GormStore
	meetings *meetingctrl.MeetingService
	posts    *socialpostctrl.SocialPostService
	accounts *accountctrl.AccountService

	publisher message.Publisher
	closers   []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Error(err, "failed to close resource")
		}
	}
}

func openDB() (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver := viper.GetString("database.driver"); driver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			viper.GetString("postgres.host"),
			viper.GetString("postgres.user"),
			viper.GetString("postgres.password"),
			viper.GetString("postgres.db"),
			viper.GetString("postgres.port"),
		)
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(viper.GetString("database.sqlite_path"))
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}
	return db, nil
}

// newApp connects storage, migrates every table and, when amqp.url is set,
// opens the publisher for job wakeups.
func newApp(ctx context.Context) (*app, error) {
	db, err := openDB()
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying *sql.DB: %v", err)
	}
	a := &app{db: db, closers: []func() error{sqlDB.Close}}

	a.store = job.NewGormStore(db)
	if a.meetings, err = meetingctrl.NewMeetingService(db); err != nil {
		a.Close()
		return nil, err
	}
	if a.posts, err = socialpostctrl.NewSocialPostService(db); err != nil {
		a.Close()
		return nil, err
	}
	if a.accounts, err = accountctrl.NewAccountService(db); err != nil {
		a.Close()
		return nil, err
	}

	for _, m := range []interface{ Migrate(context.Context) error }{a.store, a.meetings, a.posts, a.accounts} {
		if err := m.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to migrate: %w", err)
		}
	}

	if url := viper.GetString("amqp.url"); url != "" {
		publisher, err := amqp.NewPublisher(amqp.NewDurableQueueConfig(url), log.NewWatermillAdapter(log.WithName("amqp")))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create publisher: %w", err)
		}
		a.publisher = publisher
		a.closers = append(a.closers, publisher.Close)
	}
	return a, nil
}

func newRegistry() *job.Registry {
	registry := job.NewRegistry()
	jobctrl.RegisterKinds(registry)
	return registry
}

func (a *app) jobService() *job.JobService {
	return job.NewJobService(a.store, newRegistry(), a.publisher, log.Logger())
}

func (a *app) pipeline() *jobctrl.PipelineService {
	return jobctrl.NewPipelineService(a.jobService())
}

func httpClient() *http.Client {
	return &http.Client{Timeout: viper.GetDuration("http.timeout")}
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if d := viper.GetDuration(key); d > 0 {
		return d
	}
	return fallback
}
