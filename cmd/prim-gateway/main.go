// prim-gateway 接入节点：TCP/WS双栈监听、鉴权、定序落库、集群转发。
// -standalone 起单机模式：sqlite落库、全内存在线表，不依赖任何外部组件。
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/oh0123/prim/cluster"
	"github.com/oh0123/prim/config"
	"github.com/oh0123/prim/delivery"
	"github.com/oh0123/prim/gateway"
	"github.com/oh0123/prim/group"
	"github.com/oh0123/prim/logger"
	"github.com/oh0123/prim/notify"
	"github.com/oh0123/prim/presence"
	"github.com/oh0123/prim/protocol"
	"github.com/oh0123/prim/repo"
	"github.com/oh0123/prim/store"
	mongostore "github.com/oh0123/prim/store/mongo"
	"github.com/oh0123/prim/store/seq"
	sqlitestore "github.com/oh0123/prim/store/sqlite"
	"github.com/oh0123/prim/tools/ids"
	"github.com/oh0123/prim/tools/security"
)

// backends 两种部署形态共用的依赖集
type backends struct {
	channels  store.ChannelStore
	messages  store.MessageStore
	alloc     seq.Allocator
	pres      presence.Tracker
	accounts  repo.AccountRepo
	groupRepo repo.GroupRepo
	publisher notify.Publisher
	router    *cluster.Router // 单机为 nil
	cleanup   []func()
}

func (b *backends) close() {
	for i := len(b.cleanup) - 1; i >= 0; i-- {
		b.cleanup[i]()
	}
}

func buildCluster(ctx context.Context, cfg config.AppConfig, codec protocol.Codec) (*backends, error) {
	b := &backends{}

	mongoClient, db, err := mongostore.Dial(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
	if err != nil {
		return nil, err
	}
	b.cleanup = append(b.cleanup, func() { _ = mongoClient.Disconnect(context.Background()) })
	durable := mongostore.New(db)
	if err := durable.EnsureIndexes(ctx); err != nil {
		b.close()
		return nil, err
	}
	b.channels, b.messages = durable, durable

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b.cleanup = append(b.cleanup, func() { _ = rdb.Close() })
	b.pres = presence.NewRedis(rdb, cfg.Heartbeat.Timeout)
	b.alloc = seq.NewRedis(rdb, durable)

	pg, err := repo.NewPG(ctx, cfg.Postgres.DSN)
	if err != nil {
		b.close()
		return nil, err
	}
	b.cleanup = append(b.cleanup, pg.Close)
	b.accounts, b.groupRepo = pg, pg

	router, err := cluster.NewRouter(cluster.RouterConfig{
		Servers: cfg.Nats.Servers,
		Name:    cfg.Nats.Name,
		NodeID:  cfg.NodeID,
	}, codec)
	if err != nil {
		b.close()
		return nil, err
	}
	b.cleanup = append(b.cleanup, router.Close)
	b.router = router

	b.publisher = notify.Noop{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.NotifyTopic)
		if err != nil {
			b.close()
			return nil, err
		}
		b.cleanup = append(b.cleanup, func() { _ = kp.Close() })
		b.publisher = kp
	}
	return b, nil
}

func buildStandalone(cfg config.AppConfig, dataPath string) (*backends, error) {
	st, err := sqlitestore.New(dataPath)
	if err != nil {
		return nil, err
	}
	mem := repo.NewMemory()
	return &backends{
		channels:  st,
		messages:  st,
		alloc:     seq.NewDurable(st),
		pres:      presence.NewMemory(presence.MemoryConf{Timeout: cfg.Heartbeat.Timeout, Sweep: cfg.Heartbeat.Sweep}),
		accounts:  mem,
		groupRepo: mem,
		publisher: notify.Noop{},
		cleanup:   []func(){func() { _ = st.Close() }},
	}, nil
}

func main() {
	confPath := flag.String("config", "", "yaml config path")
	standalone := flag.Bool("standalone", false, "single-node mode, no external deps")
	dataPath := flag.String("data", "prim.db", "sqlite path for standalone mode")
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

	codec := protocol.NewCodec(cfg.Protocol.MaxPayload)

	var (
		b   *backends
		err error
	)
	if *standalone {
		b, err = buildStandalone(cfg, *dataPath)
	} else {
		b, err = buildCluster(ctx, cfg, codec)
	}
	if err != nil {
		logger.Errorf("init backends: %v", err)
		return
	}
	defer b.close()

	groups := group.NewService(b.groupRepo, cfg.Fanout.GroupCap)

	ring := cluster.NewRing(cfg.Ring.VirtualNodes)
	if *standalone {
		ring.AddNode(cfg.NodeID)
	} else {
		for _, n := range cfg.Ring.Nodes {
			ring.AddNode(n)
		}
	}

	mgr := gateway.NewConnManager(gateway.ManagerConf{
		UnauthTTL:  cfg.Handshake.Grace,
		AuthTTL:    cfg.Heartbeat.Timeout,
		SweepEvery: cfg.Heartbeat.Sweep,
	}, cfg.NodeID)

	var fwd delivery.Forwarder
	if b.router != nil {
		fwd = b.router
	}
	dl := delivery.NewService(delivery.Config{
		NodeID:      cfg.NodeID,
		Parallelism: cfg.Fanout.Parallelism,
		PushTimeout: cfg.Fanout.PushTimeout,
	}, b.alloc, b.channels, b.messages, b.pres, groups, mgr, fwd, ring, b.publisher)

	srv := gateway.NewServer(gateway.ServerConf{
		NodeID:            cfg.NodeID,
		HandshakeGrace:    cfg.Handshake.Grace,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		HeartbeatTimeout:  cfg.Heartbeat.Timeout,
		WriteTimeout:      cfg.Fanout.PushTimeout,
		QueueSize:         cfg.Fanout.QueueSize,
		DrainDeadline:     cfg.Reshard.DrainDeadline,
		JWT:               security.DefaultOptions([]byte(cfg.JWTSecret)),
	}, codec, mgr, dl, b.pres, ring)

	if b.router != nil {
		if err := b.router.Start(dl.DeliverRemote); err != nil {
			logger.Errorf("router start: %v", err)
			return
		}
		if err := b.router.OnReshard(srv.OnReshard); err != nil {
			logger.Errorf("router reshard sub: %v", err)
			return
		}
	}

	ln, err := net.Listen("tcp", cfg.TCPAddr)
	if err != nil {
		logger.Errorf("listen %s: %v", cfg.TCPAddr, err)
		return
	}
	go func() {
		if err := srv.ServeTCP(ln); err != nil {
			logger.Errorf("tcp serve: %v", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", srv.HandleWS)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http serve: %v", err)
		}
	}()

	logger.Infof("gateway %s up: tcp=%s ws=%s standalone=%v", cfg.NodeID, cfg.TCPAddr, cfg.HTTPAddr, *standalone)
	<-ctx.Done()

	logger.Infof("gateway %s shutting down", cfg.NodeID)
	_ = ln.Close()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutCtx)
	srv.Close()
}
