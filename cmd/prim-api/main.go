// prim-api 业务节点：账号/群HTTP接口与分片表运维。
// 自身不持有客户端连接，群事件经调度核心定序后由NATS转给各网关。
package main

import (
	"context"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/oh0123/prim/api"
	"github.com/oh0123/prim/cluster"
	"github.com/oh0123/prim/config"
	"github.com/oh0123/prim/delivery"
	"github.com/oh0123/prim/group"
	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/notify"
	"github.com/oh0123/prim/presence"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/repo"
	mongostore "github.com/oh0123/prim/store/mongo"
	"github.com/oh0123/prim/store/seq"
	"github.com/oh0123/prim/tools/ids"
	"github.com/oh0123/prim/tools/security"
)

// noSessions 本进程没有客户端会话，本地推送永远为空
type noSessions struct{}

func (noSessions) Push(uint64, *protocol.Msg, string) int { return 0 }

func main() {
	confPath := flag.String("config", "", "yaml config path")
	flag.Parse()

	cfg := config.Default()
	if *confPath != "" {
		var err error
		if cfg, err = config.Load(*confPath); err != nil {
			logger.Errorf("load config: %v", err)
			return
		}
	}
	ids.SetNodeID(cfg.NodeNum)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, db, err := mongostore.Dial(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		logger.Errorf("mongo dial: %v", err)
		return
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	durable := mongostore.New(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() { _ = rdb.Close() }()

	pg, err := repo.NewPG(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Errorf("pg: %v", err)
		return
	}
	defer pg.Close()

	codec := protocol.NewCodec(cfg.Protocol.MaxPayload)
	pres := presence.NewRedis(rdb, cfg.Heartbeat.Timeout)
	alloc := seq.NewRedis(rdb, durable)
	groups := group.NewService(pg, cfg.Fanout.GroupCap)

	ring := cluster.NewRing(cfg.Ring.VirtualNodes)
	for _, n := range cfg.Ring.Nodes {
		ring.AddNode(n)
	}

	router, err := cluster.NewRouter(cluster.RouterConfig{
		Servers: cfg.Nats.Servers,
		Name:    cfg.Nats.Name,
		NodeID:  cfg.NodeID,
	}, codec)
	if err != nil {
		logger.Errorf("nats router: %v", err)
		return
	}
	defer router.Close()

	var publisher notify.Publisher = notify.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.NotifyTopic)
		if err != nil {
			logger.Errorf("kafka producer: %v", err)
			return
		}
		defer kp.Close()
		publisher = kp
	}

	dl := delivery.NewService(delivery.Config{
		NodeID:      cfg.NodeID,
		Parallelism: cfg.Fanout.Parallelism,
		PushTimeout: cfg.Fanout.PushTimeout,
	}, alloc, durable, durable, pres, groups, noSessions{}, router, ring, publisher)

	// 本节点也跟进分片表变更，保证 /v1/route 的答案和网关一致
	if err := router.OnReshard(func(n protocol.ReshardNotice) {
		ring.Replace(n.Nodes, n.Version)
	}); err != nil {
		logger.Errorf("router reshard sub: %v", err)
		return
	}

	srv := api.NewServer(pg, groups, dl, ring,
		security.DefaultOptions([]byte(cfg.JWTSecret)), router.BroadcastReshard)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	srv.Register(r)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: r}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("api serve: %v", err)
		}
	}()

	logger.Infof("api %s up: http=%s", cfg.NodeID, cfg.APIAddr)
	<-ctx.Done()

	logger.Infof("api %s shutting down", cfg.NodeID)
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
}
