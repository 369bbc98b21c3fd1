package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	_ "time/tzdata"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"voicenote/handler"
	vnconfig "voicenote/internal/config"
	"voicenote/internal/integrations/livefeed"
	"voicenote/internal/integrations/objectstore"
	"voicenote/internal/integrations/paramstore"
	"voicenote/internal/quota"
	"voicenote/internal/repository"
	"voicenote/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	audioBucket := mustEnv("AUDIO_BUCKET")
	paramPrefix := mustEnv("PARAM_PREFIX")
	natsURL := mustEnv("NATS_URL")
	natsSubject := envString("NATS_SUBJECT", livefeed.DefaultSubject)
	maxAudioBytes := envInt("MAX_AUDIO_BYTES", 4<<20)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	settings, err := vnconfig.LoadSettings(ctx, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to load settings", "prefix", paramPrefix, "err", err)
		os.Exit(1)
	}

	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	audioClient, err := objectstore.New(awss3.NewFromConfig(cfg), audioBucket,
		objectstore.WithRegion(cfg.Region),
		objectstore.WithPublicBaseURL(settings.AudioBaseURL),
	)
	if err != nil {
		slog.Error("failed to create audio store", "err", err)
		os.Exit(1)
	}

	nc, err := livefeed.Connect(natsURL, "voicenote-api", logger)
	if err != nil {
		slog.Error("failed to connect to live feed", "url", natsURL, "err", err)
		os.Exit(1)
	}
	publisher, err := livefeed.NewPublisher(nc, natsSubject)
	if err != nil {
		slog.Error("failed to create live feed publisher", "err", err)
		os.Exit(1)
	}

	counter, err := quota.NewCounter(stateClient, settings.DailyLimit, quota.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create quota counter", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	sendService, err := usecase.NewSendService(counter, audioClient, stateClient, publisher,
		usecase.WithLocation(settings.Location),
		usecase.WithRetention(settings.Retention()),
		usecase.WithLogger(logger),
	)
	if err != nil {
		slog.Error("failed to create send service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(sendService, handler.WithMaxAudioBytes(maxAudioBytes), handler.WithLogger(logger))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	slog.Info("voicenote api ready", "daily_limit", settings.DailyLimit, "retention_days", settings.RetentionDays, "timezone", settings.Location.String())
	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
