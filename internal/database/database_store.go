package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/life-stream-dev/ghosttap-server/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBStore MongoDB 存储；终止状态的任务摘要会缓存在 LRU 中
type DBStore struct {
	db               *mongo.Database
	operationTimeout time.Duration
	finished         *expirable.LRU[string, *SessionRecord]
}

var _ Store = (*DBStore)(nil)

func NewDatabaseStore(db *mongo.Database, operationTimeout time.Duration) *DBStore {
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	return &DBStore{
		db:               db,
		operationTimeout: operationTimeout,
		finished:         expirable.NewLRU[string, *SessionRecord](256, nil, time.Hour),
	}
}

func handleErr(err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("unique key conflicts: %w", err)
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("document does not exist: %w", errors.Join(ErrSessionNotFound, err))
	}
	return fmt.Errorf("database operation failed: %w", err)
}

func (ds *DBStore) sessions() *mongo.Collection {
	return ds.db.Collection(SessionCollectionName)
}

func (ds *DBStore) actions() *mongo.Collection {
	return ds.db.Collection(ActionCollectionName)
}

func (ds *DBStore) UpsertSession(ctx context.Context, session *SessionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if session.SessionID == "" {
		return ErrEmptyID
	}

	filter := bson.D{{Key: "session_id", Value: session.SessionID}}
	opts := options.Replace().SetUpsert(true)

	result, err := ds.sessions().ReplaceOne(ctx, filter, session, opts)
	if err != nil {
		return handleErr(err)
	}
	ds.finished.Remove(session.SessionID)

	logger.DebugF("Session saved: session_id=%s, matched=%d, modified=%d, upserted=%v",
		session.SessionID,
		result.MatchedCount,
		result.ModifiedCount,
		result.UpsertedID != nil,
	)
	return nil
}

func (ds *DBStore) updateSession(ctx context.Context, sessionID string, set bson.D) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if sessionID == "" {
		return ErrEmptyID
	}
	result, err := ds.sessions().UpdateOne(ctx,
		bson.D{{Key: "session_id", Value: sessionID}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return handleErr(err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("update %s: %w", sessionID, ErrSessionNotFound)
	}
	ds.finished.Remove(sessionID)
	return nil
}

func (ds *DBStore) UpdateStatus(ctx context.Context, sessionID, status, reason, result string, at time.Time) error {
	return ds.updateSession(ctx, sessionID, bson.D{
		{Key: "status", Value: status},
		{Key: "reason", Value: reason},
		{Key: "result", Value: result},
		{Key: "updated_at", Value: at},
	})
}

func (ds *DBStore) UpdateMetrics(ctx context.Context, sessionID string, metrics MetricsRecord, at time.Time) error {
	return ds.updateSession(ctx, sessionID, bson.D{
		{Key: "metrics", Value: metrics},
		{Key: "updated_at", Value: at},
	})
}

func (ds *DBStore) AppendActionRecord(ctx context.Context, record *ActionRecordDoc) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if record.SessionID == "" {
		return ErrEmptyID
	}
	if _, err := ds.actions().InsertOne(ctx, record); err != nil {
		return handleErr(err)
	}
	return nil
}

func (ds *DBStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	if sessionID == "" {
		return nil, ErrEmptyID
	}
	if cached, ok := ds.finished.Get(sessionID); ok {
		cp := *cached
		return &cp, nil
	}

	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var session SessionRecord
	startTime := time.Now()
	err := ds.sessions().FindOne(ctx, bson.D{{Key: "session_id", Value: sessionID}}).Decode(&session)
	logger.DebugF("session query cost: %v", time.Since(startTime))
	if err != nil {
		return nil, handleErr(err)
	}

	// 只缓存不会再变化的终止状态
	switch session.Status {
	case "completed", "failed", "cancelled":
		cp := session
		ds.finished.Add(sessionID, &cp)
	}
	return &session, nil
}

func (ds *DBStore) GetActiveSessionForUser(ctx context.Context, userID string) (*SessionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "user_id", Value: userID},
		{Key: "status", Value: bson.D{{Key: "$in", Value: ActiveStatuses}}},
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})

	var session SessionRecord
	if err := ds.sessions().FindOne(ctx, filter, opts).Decode(&session); err != nil {
		return nil, handleErr(err)
	}
	return &session, nil
}

func (ds *DBStore) GetHistory(ctx context.Context, sessionID string) ([]ActionRecordDoc, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	if sessionID == "" {
		return nil, ErrEmptyID
	}
	opts := options.Find().SetSort(bson.D{{Key: "step", Value: 1}})
	cursor, err := ds.actions().Find(ctx, bson.D{{Key: "session_id", Value: sessionID}}, opts)
	if err != nil {
		return nil, handleErr(err)
	}
	defer cursor.Close(ctx)

	history := make([]ActionRecordDoc, 0)
	if err := cursor.All(ctx, &history); err != nil {
		return nil, handleErr(err)
	}
	return history, nil
}
