package client

import (
	"context"
	"database/sql"
	"time"

	"staybook/pkg/logger"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const connectTimeout = 10 * time.Second

// Client holds the process-wide backend handles. It is built once at startup
// and passed down explicitly; nothing here is lazily initialised.
type Client struct {
	Mongo    *mongo.Client
	MySQL    *sql.DB
	Postgres *pgxpool.Pool
	Redis    []*redis.Client
}

func NewClient() *Client {
	return &Client{}
}

func (c *Client) SetMongo(log *logger.Logger, mongoURI string, mongoConnTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		log.Fatal("Failed to connect to MongoDB", "error", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		log.Fatal("Failed to ping MongoDB", "error", err)
	}

	log.Info("Successfully connected to MongoDB")
	c.Mongo = client
}

func (c *Client) SetMySQL(log *logger.Logger, dsn string, maxConns int) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatal("Failed to open MySQL handle", "error", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal("Failed to ping MySQL", "error", err)
	}

	log.Info("Successfully connected to MySQL")
	c.MySQL = db
}

func (c *Client) SetPostgres(log *logger.Logger, url string, maxConns int32) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		log.Fatal("Failed to parse Postgres config", "error", err)
	}
	poolCfg.MaxConns = maxConns
	poolCfg.MinConns = min(5, maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		log.Fatal("Failed to create Postgres pool", "error", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.Fatal("Failed to ping Postgres", "error", err)
	}

	log.Info("Successfully connected to Postgres")
	c.Postgres = pool
}

// SetRedis opens one client per lock node. An unreachable node is only logged:
// the lock quorum tolerates a minority being down.
func (c *Client) SetRedis(log *logger.Logger, addrs []string, password string, db int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for _, addr := range addrs {
		rc := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
		if err := rc.Ping(ctx).Err(); err != nil {
			log.Warn("Lock node unreachable at startup", "addr", addr, "error", err)
		} else {
			log.Info("Successfully connected to lock node", "addr", addr)
		}
		c.Redis = append(c.Redis, rc)
	}
}

// RedisNodes returns the lock nodes as the interface the lock manager accepts.
func (c *Client) RedisNodes() []redis.UniversalClient {
	nodes := make([]redis.UniversalClient, 0, len(c.Redis))
	for _, rc := range c.Redis {
		nodes = append(nodes, rc)
	}
	return nodes
}

func (c *Client) GracefulShutdown(log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if c.Mongo != nil {
		if err := c.Mongo.Disconnect(ctx); err != nil {
			log.Warn("Failed to disconnect MongoDB", "error", err)
		}
	}
	if c.MySQL != nil {
		if err := c.MySQL.Close(); err != nil {
			log.Warn("Failed to close MySQL", "error", err)
		}
	}
	if c.Postgres != nil {
		c.Postgres.Close()
	}
	for _, rc := range c.Redis {
		if err := rc.Close(); err != nil {
			log.Warn("Failed to close lock node", "error", err)
		}
	}
}
