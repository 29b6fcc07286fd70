package server

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/bartossh/Relayer/journal"
	"github.com/bartossh/Relayer/logger"
	"github.com/bartossh/Relayer/relay"
	"github.com/bartossh/Relayer/safetx"
	"github.com/bartossh/Relayer/status"
	"github.com/bartossh/Relayer/webhooks"
)

const (
	ApiVersion = "1.0.0"
	Header     = "Relayer"
)

const (
	safeGroupURL = "/safe"
	sendTxURL    = "/send-tx"
	getTxHashURL = "/get-tx-hash"
	balanceURL   = "/balance"
	getRPCURL    = "/get-rpc"
	executeTxURL = "/execute-tx"
	wsGroupURL   = "/ws"
	txStatusURL  = "/tx-status"
)

const (
	AliveURL     = "/alive"                    // URL to check if server is alive and version.
	SendTxURL    = safeGroupURL + sendTxURL    // URL to relay a session key transfer.
	GetTxHashURL = safeGroupURL + getTxHashURL // URL to get the Safe digest the owner must sign.
	BalanceURL   = safeGroupURL + balanceURL   // URL to read the token balance of the Safe.
	GetRPCURL    = safeGroupURL + getRPCURL    // URL to get an RPC endpoint of the chain.
	ExecuteTxURL = safeGroupURL + executeTxURL // URL to execute an owner signed call.
	ActivityURL  = "/activity"                 // URL to record client activity.
	WebhooksURL  = "/webhooks"                 // URL to create and remove webhooks.
	TxStatusURL  = wsGroupURL + txStatusURL    // URL to connect to the transaction status websocket.
)

const (
	defaultBodyLimit = 1024 * 64
	readTimeout      = time.Second * 5
	writeTimeout     = time.Second * 5
)

var (
	ErrWrongPortSpecified = errors.New("port must be between 1 and 65535")
	ErrWrongBodyLimit     = errors.New("body limit must be between 1024 and 15000000")
)

// Relayer relays transfer intents and owner signed calls.
type Relayer interface {
	Run(ctx context.Context, in relay.Intent, n relay.Notifier) relay.Update
	Prepare(ctx context.Context, chainID int64, account common.Address, call safetx.Call) (relay.Prepared, error)
	PrepareTransfer(ctx context.Context, chainID int64, account, recipient common.Address, amount string) (relay.Prepared, safetx.Call, error)
	Balance(ctx context.Context, chainID int64, account common.Address) (*big.Int, error)
	Execute(ctx context.Context, req relay.ExecuteRequest) (relay.ExecuteResult, error)
}

// EndpointProvider provides an RPC endpoint of the chain.
type EndpointProvider interface {
	Endpoint(chainID int64) (string, error)
}

// StatusHub publishes relay updates and subscribes websocket clients to them.
type StatusHub interface {
	relay.Notifier
	Subscribe(txIDs, recipients []string) *status.Subscription
}

// Limiter tells if another relay request of the session key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// WebhookCreateRemover creates and removes webhooks of recipient addresses.
type WebhookCreateRemover interface {
	CreateWebhook(address string, h webhooks.Hook) error
	RemoveWebhook(address string, h webhooks.Hook) error
}

// ActivityRecorder records client activity entries.
type ActivityRecorder interface {
	RecordActivity(ctx context.Context, a journal.Activity) error
}

// Backend aggregates the services the server exposes.
type Backend struct {
	Relayer   Relayer
	Endpoints EndpointProvider
	Hub       StatusHub
	Limiter   Limiter
	Webhooks  WebhookCreateRemover
	Activity  ActivityRecorder
}

// Config contains configuration of the server.
type Config struct {
	Port         int    `yaml:"port"`          // Port to listen on.
	BodyLimit    int    `yaml:"body_limit"`    // Max size of the request body in bytes.
	AllowOrigins string `yaml:"allow_origins"` // Comma separated origins allowed by CORS, all when empty.
}

type server struct {
	ctx     context.Context
	backend Backend
	log     logger.Logger
	now     func() time.Time
}

// Run initializes routing and runs the server. To stop the server cancel the context.
// It blocks until the context is canceled.
func Run(ctx context.Context, c Config, b Backend, log logger.Logger) error {
	ctxx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateConfig(&c); err != nil {
		return err
	}

	s := &server{ctx: ctxx, backend: b, log: log, now: time.Now}
	router := s.router(c)

	var err error
	go func() {
		if errx := router.Listen(fmt.Sprintf("0.0.0.0:%v", c.Port)); errx != nil {
			log.Error(fmt.Sprintf("server listen failed: %s", errx))
			cancel()
		}
	}()

	<-ctxx.Done()

	if errx := router.ShutdownWithTimeout(writeTimeout); errx != nil {
		err = errors.Join(err, errx)
	}

	return err
}

func validateConfig(c *Config) error {
	if c.Port <= 0 || c.Port > 65535 {
		return ErrWrongPortSpecified
	}
	if c.BodyLimit == 0 {
		c.BodyLimit = defaultBodyLimit
	}
	if c.BodyLimit < 1024 || c.BodyLimit > 15000000 {
		return ErrWrongBodyLimit
	}
	return nil
}

func (s *server) router(c Config) *fiber.App {
	router := fiber.New(fiber.Config{
		Prefork:       false,
		CaseSensitive: true,
		StrictRouting: true,
		ReadTimeout:   readTimeout,
		BodyLimit:     c.BodyLimit,
		ServerHeader:  Header,
		AppName:       ApiVersion,
		Concurrency:   4096,
	})
	router.Use(recover.New())
	origins := c.AllowOrigins
	if origins == "" {
		origins = "*"
	}
	router.Use(cors.New(cors.Config{AllowOrigins: origins}))

	router.Get(AliveURL, s.alive)

	safe := router.Group(safeGroupURL)
	safe.Post(sendTxURL, s.sendTx)
	safe.Post(getTxHashURL, s.getTxHash)
	safe.Post(balanceURL, s.balance)
	safe.Post(getRPCURL, s.getRPC)
	safe.Post(executeTxURL, s.executeTx)

	router.Post(ActivityURL, s.activity)
	router.Post(WebhooksURL, s.createWebhook)
	router.Delete(WebhooksURL, s.removeWebhook)

	ws := router.Group(wsGroupURL)
	ws.Get(txStatusURL, s.txStatus)

	return router
}
