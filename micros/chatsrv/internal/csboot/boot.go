package csboot

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sweemingdow/sdchat/external/econfig"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/blob"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/convmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/msgmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/offlineq"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/presmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/reconcile"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/core/streakmgr"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/ephem"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/handlers/hhttp"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/handlers/hws"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/metrics"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/notify"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/realtime"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/convrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/followrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/msgrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/presencerepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/streakrepo"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/routers"
	"github.com/sweemingdow/sdchat/pkg/async"
	"github.com/sweemingdow/sdchat/pkg/graceful"
	"github.com/sweemingdow/sdchat/pkg/mylog"
)

const (
	RedisLifetimeTag      = "redis-client"
	AsyncLifetimeTag      = "async-handler"
	SharedEphemTag        = "ephem-shared-conn"
	ConvManagerTag        = "conv-manager"
	MsgManagerTag         = "msg-manager"
	HttpServerLifetimeTag = "http-server"
	WsServerLifetimeTag   = "ws-server"
)

// OpenSql connects and brings the schema up to date.
func OpenSql(ctx context.Context, cfg econfig.SqlConfig) (*dbutil.SqlClient, error) {
	sc, err := dbutil.NewSqlClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err = sc.Migrate(ctx); err != nil {
		_ = sc.GracefulStop(ctx)
		return nil, err
	}

	return sc, nil
}

// StartChatServer builds every component from the config and starts the
// http and websocket servers. Components are collected on ac as they come
// up, so a failure half way still stops what was started.
func StartChatServer(ctx context.Context, ac *AppContext) error {
	cfg := ac.Config()
	lg := mylog.AppLogger()

	sc, err := OpenSql(ctx, cfg.SqlCfg)
	if err != nil {
		return err
	}
	ac.CollectLifecycle(dbutil.SqlLifetimeTag, sc)

	node, err := snowflake.NewNode(cfg.ServerCfg.SnowflakeNode)
	if err != nil {
		return err
	}

	var (
		hub     realtime.Hub
		backend ephem.Backend
	)

	if cfg.RedisCfg.Enabled() {
		rc, err := econfig.NewRedisClient(ctx, cfg.RedisCfg)
		if err != nil {
			return err
		}
		ac.CollectLifecycle(RedisLifetimeTag, graceful.Func(func(context.Context) error {
			return rc.Close()
		}))

		if hub, backend, err = startRedisRealtime(ctx, ac, rc); err != nil {
			return err
		}
	} else {
		lg.Warn().Msg("redis not configured, realtime state stays in this process")
		hub = realtime.NewMemHub()
		backend = ephem.NewMemBackend()
	}

	var notifier notify.Notifier = notify.NewNopNotifier()
	if cfg.NsqCfg.Enabled() {
		pd, err := econfig.NewNsqProducer(cfg.NsqCfg)
		if err != nil {
			return err
		}

		nn := notify.NewNsqNotifier(pd)
		ac.CollectLifecycle(notify.NsqNotifierLifetimeTag, nn)
		notifier = nn
	}

	store, err := blob.NewFsStore(cfg.BlobCfg.Dir, cfg.BlobCfg.PublicBase, cfg.BlobCfg.MaxBytes)
	if err != nil {
		return err
	}

	ahOpts := async.DefaultCallerRunOptions()
	ahOpts.MaxWorkers = cfg.MessageCfg.AsyncWorkers
	ah := async.NewCallerRunHandler(ahOpts)
	ac.CollectLifecycle(AsyncLifetimeTag, graceful.Func(ah.Shutdown))

	sr := streakrepo.NewStreakRepository(sc)
	streak := streakmgr.NewStreakManager(sr, cfg.Location())

	sweeper, err := streakmgr.NewSweeper(sr, cfg.StreakCfg.SweepCron, cfg.Location())
	if err != nil {
		return err
	}
	sweeper.Start()
	ac.CollectLifecycle(streakmgr.SweeperLifetimeTag, sweeper)

	queue, err := offlineq.Open(cfg.OfflineCfg.Dir, offlineq.Options{MaxAttempts: cfg.MessageCfg.MaxAttempts})
	if err != nil {
		return err
	}
	ac.CollectLifecycle(offlineq.OfflineqLifetimeTag, queue)

	cr := convrepo.NewConvRepository(sc)
	cm := convmgr.NewConvManager(cr, followrepo.NewFollowRepository(sc), hub, node, convmgr.Options{})
	ac.CollectLifecycle(ConvManagerTag, cm)

	mm := msgmgr.NewMsgManager(msgmgr.Deps{
		Mr:       msgrepo.NewMsgRepository(sc),
		Cr:       cr,
		Hub:      hub,
		Blob:     store,
		Notifier: notifier,
		Ah:       ah,
		Streak:   streak,
		Node:     node,
	}, msgmgr.Options{
		PreviewPageSize: cfg.MessageCfg.PreviewPageSize,
		PreviewBudget:   cfg.MessageCfg.PreviewBudget,
		ReadInterval:    cfg.MessageCfg.ReadInterval,
	})
	ac.CollectLifecycle(MsgManagerTag, mm)

	// presence and typing watches of every client share one connection
	shared, err := backend.Open(ctx)
	if err != nil {
		return err
	}
	ac.CollectLifecycle(SharedEphemTag, graceful.Func(shared.Close))

	presOpts := presmgr.Options{
		HeartbeatInterval: cfg.PresenceCfg.HeartbeatInterval,
		FreshWindow:       cfg.PresenceCfg.FreshWindow,
		TypingTtl:         cfg.PresenceCfg.TypingTtl,
	}
	pr := presencerepo.NewPresenceRepository(sc)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err = metrics.Register(reg); err != nil {
		return err
	}

	wh := hws.NewWsHandler(hws.Deps{
		Convs:    cm,
		Msgs:     mm,
		Presence: presmgr.NewSubscriber(presmgr.Deps{Store: shared, Pr: pr, Hub: hub}, presOpts),
		Typing:   presmgr.NewTypingTracker(shared, presOpts),
		Ephem:    backend,
		Pr:       pr,
		Hub:      hub,
		Queue:    queue,
	}, hws.Options{
		Presence: presOpts,
		Engine: reconcile.Options{
			PageSize:    cfg.MessageCfg.PageSize,
			SendTimeout: cfg.MessageCfg.SendTimeout,
			MaxAttempts: cfg.MessageCfg.MaxAttempts,
		},
	})
	ac.CollectLifecycle(hws.WsHandlerLifetimeTag, wh)

	mediaDir := ""
	if strings.HasPrefix(cfg.BlobCfg.PublicBase, "/") {
		mediaDir = store.Dir()
	}

	binder := routers.NewChatServerRouteBinder(
		hhttp.NewConvHttpHandler(cm),
		hhttp.NewMsgHttpHandler(mm, cm, streak, cfg.BlobCfg.MaxBytes),
		reg,
		cfg.BlobCfg.PublicBase,
		mediaDir,
	)

	startHttpServer(ac, binder)
	startWsServer(ac, wh)

	lg.Info().
		Str("http_addr", cfg.ServerCfg.HttpAddr).
		Str("ws_addr", cfg.ServerCfg.WsAddr).
		Str("sql_schema", sc.Schema()).
		Bool("redis", cfg.RedisCfg.Enabled()).
		Bool("nsq", cfg.NsqCfg.Enabled()).
		Msg("chat server started")

	return nil
}

func startRedisRealtime(ctx context.Context, ac *AppContext, rc redis.UniversalClient) (realtime.Hub, ephem.Backend, error) {
	cfg := ac.Config()

	rh, err := realtime.NewRedisHub(ctx, rc)
	if err != nil {
		return nil, nil, err
	}
	ac.CollectLifecycle(realtime.RedisHubLifetimeTag, rh)

	rb, err := ephem.NewRedisBackend(ctx, rc, ephem.RedisOptions{})
	if err != nil {
		return nil, nil, err
	}
	ac.CollectLifecycle(ephem.RedisBackendLifetimeTag, rb)

	reaper := ephem.NewReaper(rc, cfg.PresenceCfg.ReapInterval)
	reaper.Start()
	ac.CollectLifecycle(ephem.ReaperLifetimeTag, reaper)

	return rh, rb, nil
}

func startHttpServer(ac *AppContext, binder *routers.ChatServerRouteBinder) {
	srvCfg := ac.Config().ServerCfg

	fa := fiber.New(fiber.Config{
		ErrorHandler:          hhttp.ErrorHandler,
		BodyLimit:             srvCfg.BodyLimit,
		DisableStartupMessage: true,
	})
	binder.BindFiber(fa)

	go func() {
		if err := fa.Listen(srvCfg.HttpAddr); err != nil {
			ac.GetEc() <- err
		}
	}()

	ac.CollectLifecycle(HttpServerLifetimeTag, graceful.Func(fa.ShutdownWithContext))
}

// fasthttp cannot hand its connection to the websocket library, so the
// realtime surface listens on its own net/http server.
func startWsServer(ac *AppContext, wh *hws.WsHandler) {
	srvCfg := ac.Config().ServerCfg

	mux := http.NewServeMux()
	mux.Handle(srvCfg.WsPath, wh)

	srv := &http.Server{
		Addr:              srvCfg.WsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ac.GetEc() <- err
		}
	}()

	ac.CollectLifecycle(WsServerLifetimeTag, graceful.Func(srv.Shutdown))
}

// Serve blocks until a signal or a fatal server error, then stops every
// collected component.
func Serve(ac *AppContext) error {
	lg := mylog.AppLogger()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var cause error
	select {
	case sig := <-sigCh:
		lg.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	case cause = <-ac.GetEc():
		lg.Error().Stack().Err(cause).Msg("server failed, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), ac.Config().ServerCfg.ShutdownTimeout)
	defer cancel()

	return errors.Join(cause, ac.GracefulStop(ctx))
}
