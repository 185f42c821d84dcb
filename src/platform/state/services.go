package state

import (
	"apitracker/src/platform/config"
	"apitracker/src/platform/logging"
	"apitracker/src/services/analytics"
	"apitracker/src/services/events"
	"apitracker/src/services/ingestion"
	"apitracker/src/services/prewarm"
	"apitracker/src/services/ratelimit"
	"apitracker/src/services/retention"
	"apitracker/src/storage/activitylog"
	"apitracker/src/storage/callers"
)

type Services struct {
	Callers     *callers.Store
	ActivityLog *activitylog.Store

	Pipeline  *ingestion.Pipeline
	Limiter   *ratelimit.Limiter
	Tracker   *analytics.Tracker
	Analytics *analytics.Service
	Prewarmer *prewarm.Prewarmer
	Hub       *events.Hub
	Fanout    *events.Fanout
	Streamer  *events.Streamer
	Retention *retention.Sweeper
}

func CreateServices(cfg *config.Config, clients *StorageClients, loggerFactory *logging.LoggerFactory) *Services {
	callersStore := callers.NewStore(clients.PostgreSQL, loggerFactory.Child("storage.callers"))
	activityStore := activitylog.NewStore(clients.PostgreSQL, loggerFactory.Child("storage.activitylog"))

	pipeline := ingestion.NewPipeline(ingestion.PipelineOptions{
		Store:         activityStore,
		BatchSize:     cfg.Ingestion.BatchSize,
		BatchInterval: cfg.Ingestion.BatchInterval,
		Logger:        loggerFactory.Child("service.ingestion"),
	})

	limiter := ratelimit.NewLimiter(ratelimit.Options{
		KV:             clients.Redis,
		Window:         cfg.RateLimit.Window,
		DefaultCeiling: cfg.RateLimit.DefaultCeiling,
		Logger:         loggerFactory.Child("service.ratelimit"),
	})

	tracker := analytics.NewTracker(analytics.TrackerOptions{
		KV:      clients.Redis,
		Enabled: cfg.Cache.HitTracking,
		Logger:  loggerFactory.Child("service.analytics.tracker"),
	})

	analyticsService := analytics.NewService(analytics.ServiceOptions{
		KV:       clients.Redis,
		Store:    activityStore,
		Callers:  callersStore,
		Tracker:  tracker,
		Version:  cfg.Cache.Version,
		DailyTTL: cfg.Cache.DailyUsageTTL,
		TopTTL:   cfg.Cache.TopCallersTTL,
		Logger:   loggerFactory.Child("service.analytics"),
	})

	prewarmer := prewarm.NewPrewarmer(prewarm.Options{
		Analytics: analyticsService,
		Tracker:   tracker,
		OnStartup: cfg.Cache.PrewarmOnStartup,
		OnCron:    cfg.Cache.PrewarmCron,
		Logger:    loggerFactory.Child("service.prewarm"),
	})

	hub := events.NewHub(loggerFactory.Child("service.events.hub"))
	fanout := events.NewFanout(events.FanoutOptions{
		KV:     clients.Redis,
		Hub:    hub,
		Logger: loggerFactory.Child("service.events.fanout"),
	})
	streamer := events.NewStreamer(events.StreamerOptions{
		Hub:       hub,
		Analytics: analyticsService,
		Logger:    loggerFactory.Child("service.events.streamer"),
	})

	sweeper := retention.NewSweeper(retention.Options{
		Store:  activityStore,
		Days:   cfg.Ingestion.RetentionDays,
		Logger: loggerFactory.Child("service.retention"),
	})

	return &Services{
		Callers:     callersStore,
		ActivityLog: activityStore,
		Pipeline:    pipeline,
		Limiter:     limiter,
		Tracker:     tracker,
		Analytics:   analyticsService,
		Prewarmer:   prewarmer,
		Hub:         hub,
		Fanout:      fanout,
		Streamer:    streamer,
		Retention:   sweeper,
	}
}
