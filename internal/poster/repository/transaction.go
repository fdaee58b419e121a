package repository

import (
	"context"
	"sync"

	"post_bot/internal/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Transactor 让草稿状态与审核队列的成对写入一起提交或一起回滚
// fn 内的存储调用必须使用传入的 ctx
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// DirectTransactor 直接执行 fn，不提供回滚（进程内存储使用）
// 中途失败留下的半完成状态由编排器的启动修复处理
type DirectTransactor struct{}

// WithTransaction 直接执行
func (DirectTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// MongoTransactor 基于会话事务的 Transactor
// 单机部署不支持事务，此时退化为直接执行
type MongoTransactor struct {
	db        *mongo.Database
	once      sync.Once
	supported bool
}

// NewMongoTransactor 创建 Mongo 事务执行器
func NewMongoTransactor(db *mongo.Database) *MongoTransactor {
	return &MongoTransactor{db: db}
}

type helloResult struct {
	SetName string `bson:"setName"`
	Msg     string `bson:"msg"`
}

// supportsTransactions 副本集或 mongos 才支持多文档事务
func (t *MongoTransactor) supportsTransactions(ctx context.Context) bool {
	t.once.Do(func() {
		var res helloResult
		if err := t.db.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&res); err != nil {
			logger.L().Warnf("MongoDB topology check failed, transactions disabled: %v", err)
			return
		}
		t.supported = res.SetName != "" || res.Msg == "isdbgrid"
		if !t.supported {
			logger.L().Warn("MongoDB is standalone, review queue writes run without transactions")
		}
	})
	return t.supported
}

// WithTransaction 在会话事务中执行 fn，瞬时错误由驱动重试
func (t *MongoTransactor) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !t.supportsTransactions(ctx) {
		return fn(ctx)
	}

	session, err := t.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(context.WithoutCancel(ctx))

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

var (
	_ Transactor = DirectTransactor{}
	_ Transactor = (*MongoTransactor)(nil)
)
