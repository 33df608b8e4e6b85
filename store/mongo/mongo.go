// Package mongo 频道/消息存储的 Mongo 落地。
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/oh0123/prim/store"
	"github.com/oh0123/prim/tools/errs"
)

const collChannelMsg = "channel_msg"

type Store struct {
	coll *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{coll: db.Collection(collChannelMsg)}
}

// EnsureIndexes 唯一三元组索引 + 回放用的到达序索引。启动时调用一次。
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "sender", Value: 1}, {Key: "seq_num", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "arrival", Value: 1}},
		},
	})
	return errs.WrapMsg(err, "ensure channel_msg indexes")
}

type doc struct {
	store.Record `bson:",inline"`
	Arrival      int64 `bson:"arrival"`
}

// Append 幂等追加：同 (channel,sender,seq) 的重复提交只落第一条
func (s *Store) Append(ctx context.Context, rec store.Record) error {
	filter := bson.M{
		"channel_id": rec.ChannelID,
		"sender":     rec.Sender,
		"seq_num":    rec.SeqNum,
	}
	update := bson.M{
		"$setOnInsert": doc{Record: rec, Arrival: time.Now().UnixNano()},
	}
	_, err := s.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil // 并发重试撞唯一索引，等价于已写入
	}
	return errs.WrapMsg(err, "append channel_msg", "channel", rec.ChannelID)
}

func (s *Store) Range(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]store.Record, error) {
	filter := bson.M{"channel_id": channelID}
	if afterSeq > 0 {
		filter["seq_num"] = bson.M{"$gt": afterSeq}
	}
	opts := options.Find().SetSort(bson.D{{Key: "arrival", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "range channel_msg", "channel", channelID)
	}
	defer cur.Close(ctx)

	var out []store.Record
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d.Record)
	}
	return out, cur.Err()
}

func (s *Store) LastSeq(ctx context.Context, channelID string, sender uint64) (uint64, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq_num", Value: -1}})
	var d doc
	err := s.coll.FindOne(ctx, bson.M{"channel_id": channelID, "sender": sender}, opts).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, errs.WrapMsg(err, "last seq", "channel", channelID)
	}
	return d.SeqNum, nil
}

func (s *Store) Save(ctx context.Context, rec store.Record) error { return s.Append(ctx, rec) }

func (s *Store) History(ctx context.Context, channelID string, afterSeq uint64, limit int) ([]store.Record, error) {
	return s.Range(ctx, channelID, afterSeq, limit)
}

// Dial 建立客户端并选库；调用方负责 Disconnect
func Dial(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetMaxPoolSize(20))
	if err != nil {
		return nil, nil, errs.WrapMsg(err, "mongo connect", "uri", uri)
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, nil, errs.WrapMsg(err, "mongo ping")
	}
	return cli, cli.Database(database), nil
}
