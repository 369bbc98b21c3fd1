package main

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/nats-io/nats.go"

	"voicenote/internal/config"
	"voicenote/internal/integrations/livefeed"
	"voicenote/internal/integrations/objectstore"
	"voicenote/internal/integrations/paramstore"
	"voicenote/internal/quota"
	"voicenote/internal/repository"
	"voicenote/internal/usecase"
)

// app holds the clients shared by every command.
type app struct {
	cfg      *config.ClientConfig
	settings config.Settings
	repo     *repository.Client
	nc       *nats.Conn
	feed     *livefeed.Feed
	sender   *usecase.SendService
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	params, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, err
	}
	settings, err := sharedSettings(ctx, cfg, params)
	if err != nil {
		return nil, err
	}

	repo, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Table)
	if err != nil {
		return nil, err
	}
	objects, err := objectstore.New(awss3.NewFromConfig(awsCfg), cfg.Bucket,
		objectstore.WithRegion(awsCfg.Region),
		objectstore.WithPublicBaseURL(settings.AudioBaseURL),
	)
	if err != nil {
		return nil, err
	}

	nc, err := livefeed.Connect(cfg.Nats.URL, "voicenote-cli/"+cfg.UserID, logger)
	if err != nil {
		return nil, err
	}
	publisher, err := livefeed.NewPublisher(nc, cfg.Nats.Subject)
	if err != nil {
		nc.Close()
		return nil, err
	}
	feed, err := livefeed.NewFeed(nc, cfg.Nats.Subject, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}

	sender, err := newSender(settings, repo, objects, repo, publisher)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &app{cfg: cfg, settings: settings, repo: repo, nc: nc, feed: feed, sender: sender}, nil
}

// sharedSettings loads the limit, retention and day boundary from the
// parameter store so every client counts against the same quota records as
// the API.
func sharedSettings(ctx context.Context, cfg *config.ClientConfig, params paramstore.Getter) (config.Settings, error) {
	settings, err := config.LoadSettings(ctx, params, cfg.ParamPrefix)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load shared settings from %s: %w", cfg.ParamPrefix, err)
	}
	return settings, nil
}

func newSender(settings config.Settings, store quota.Store, objects usecase.ObjectStore, messages usecase.MessageStore, publisher usecase.Publisher) (*usecase.SendService, error) {
	counter, err := quota.NewCounter(store, settings.DailyLimit, quota.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return usecase.NewSendService(counter, objects, messages, publisher,
		usecase.WithLocation(settings.Location),
		usecase.WithRetention(settings.Retention()),
		usecase.WithLogger(logger),
	)
}

func (a *app) Close() {
	if err := a.nc.Drain(); err != nil {
		logger.Debug("nats drain failed", "err", err)
		a.nc.Close()
	}
}
