package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	"github.com/life-stream-dev/ghosttap-server/internal/config"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"github.com/life-stream-dev/ghosttap-server/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func NewDBCloseCallback(client *mongo.Client, timeout time.Duration) *DBCloseCallback {
	return &DBCloseCallback{client: client, timeout: timeout}
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

func buildURI(c config.DatabaseConfig) string {
	if c.Username == "" {
		return fmt.Sprintf("mongodb://%s:%d/", c.Host, c.Port)
	}
	// 编码特殊字符
	encodedUser := url.QueryEscape(c.Username)
	encodedPass := url.QueryEscape(c.Password)
	return fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
		encodedUser, encodedPass,
		c.Host,
		c.Port,
	)
}

// ConnectDatabase 建立 MongoDB 连接并确保索引存在
func ConnectDatabase(ctx context.Context, c config.DatabaseConfig, appName string) (*mongo.Client, *mongo.Database, error) {
	logger.DebugF("Connecting to database...")

	clientOptions := options.Client().ApplyURI(buildURI(c)).SetAppName(appName)
	// 连接池配置
	clientOptions.SetMinPoolSize(c.MinPoolSize)
	clientOptions.SetMaxPoolSize(c.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(c.ConnectIdleTimeout, 5*time.Minute))
	// 超时限制
	clientOptions.SetConnectTimeout(utils.ParseStringTime(c.ConnectTimeout, 10*time.Second))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(c.SocketTimeout, 30*time.Second))
	// 心跳包
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(c.Heartbeat, 10*time.Second))
	if c.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	// 连接池监控
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %+v", evt)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %+v", evt)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	db := client.Database(c.Database)
	if err := ensureIndexes(ctx, db); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, err
	}
	return client, db, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(SessionCollectionName).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("sessions_session_id_unique"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
			Options: options.Index().SetName("sessions_user_status"),
		},
	})
	if err != nil {
		return fmt.Errorf("error occured while creating session indexes: %w", err)
	}

	_, err = db.Collection(ActionCollectionName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "step", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("actions_session_step_unique"),
	})
	if err != nil {
		return fmt.Errorf("error occured while creating action indexes: %w", err)
	}
	return nil
}
