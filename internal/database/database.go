package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"piano-wallet-api/internal/config"
	"piano-wallet-api/internal/repository"
)

// Database bundles the backing stores and the repositories built on them.
type Database struct {
	MongoClient  *mongo.Client
	MongoDB      *mongo.Database
	RedisDB      *redis.Client
	Repositories *Repositories
}

type Repositories struct {
	Transaction repository.TransactionRepository
	User        repository.UserRepository
	Session     repository.SessionRepository
	Lock        repository.LockRepository
	Idempotency repository.IdempotencyRepository
	Velocity    repository.VelocityRepository
	LockManager *repository.UserLockManager
}

// Initialize connects to MongoDB and Redis, builds the repositories and
// ensures the indexes exist.
func Initialize(ctx context.Context, cfg *config.Config) (*Database, error) {
	mongoClient, mongoDB, err := initializeMongoDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
	}

	redisDB, err := initializeRedis(ctx, cfg.Redis)
	if err != nil {
		mongoClient.Disconnect(ctx)
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	lockRepo := repository.NewLockRepository(redisDB)
	repos := &Repositories{
		Transaction: repository.NewTransactionRepository(mongoDB),
		User:        repository.NewUserRepository(mongoDB),
		Session:     repository.NewSessionRepository(mongoDB),
		Lock:        lockRepo,
		Idempotency: repository.NewIdempotencyRepository(redisDB),
		Velocity:    repository.NewVelocityRepository(redisDB),
		LockManager: repository.NewUserLockManager(lockRepo),
	}

	if err := createIndexes(ctx, repos); err != nil {
		return nil, fmt.Errorf("failed to create database indexes: %w", err)
	}

	return &Database{
		MongoClient:  mongoClient,
		MongoDB:      mongoDB,
		RedisDB:      redisDB,
		Repositories: repos,
	}, nil
}

// Close disconnects both stores.
func (d *Database) Close(ctx context.Context) error {
	if err := d.RedisDB.Close(); err != nil {
		d.MongoClient.Disconnect(ctx)
		return err
	}
	return d.MongoClient.Disconnect(ctx)
}

func initializeMongoDB(ctx context.Context, cfg config.DatabaseConfig) (*mongo.Client, *mongo.Database, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetRegistry(Registry()).
		SetMaxPoolSize(uint64(cfg.MaxPoolSize)).
		SetMinPoolSize(uint64(cfg.MinPoolSize)).
		SetMaxConnIdleTime(cfg.MaxIdleTime).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetSocketTimeout(cfg.SocketTimeout).
		SetServerSelectionTimeout(cfg.SelectionTimeout)

	if cfg.ReplicaSet != "" {
		clientOptions.SetReplicaSet(cfg.ReplicaSet)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client, client.Database(cfg.Database), nil
}

func initializeRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConnections,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return client, nil
}

func createIndexes(ctx context.Context, repos *Repositories) error {
	if err := repos.Transaction.CreateIndexes(ctx); err != nil {
		return err
	}
	if err := repos.User.CreateIndexes(ctx); err != nil {
		return err
	}
	return repos.Session.CreateIndexes(ctx)
}
