/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of tiercache.
 *
 * tiercache is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tiercache is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package mongo_store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IrineSistiana/tiercache/pkg/persist"
	"github.com/IrineSistiana/tiercache/pkg/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// URI of the mongo deployment, e.g. mongodb://127.0.0.1:27017. Required.
	URI string

	// Default is "cache".
	Database string

	// Default is "data".
	Collection string

	// ConnectTimeout bounds the initial connection and ping.
	// Default is 5s.
	ConnectTimeout time.Duration

	Logger *zap.Logger
}

func (opts *Opts) init() error {
	if len(opts.URI) == 0 {
		return errors.New("empty mongo uri")
	}
	utils.SetDefaultString(&opts.Database, "cache")
	utils.SetDefaultString(&opts.Collection, "data")
	utils.SetDefaultNum(&opts.ConnectTimeout, time.Second*5)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// Store is a persist.Persister backed by a mongo collection.
// Every Put inserts a new document. Get returns the latest one.
// Del removes all documents of the key.
type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

var _ persist.Persister = (*Store)(nil)

type recordDoc struct {
	Key       string     `bson:"key"`
	Value     string     `bson:"value"`
	StoredAt  time.Time  `bson:"stored_at"`
	ExpiresAt *time.Time `bson:"expires_at"`
}

func newRecordDoc(key string, r persist.Record) recordDoc {
	d := recordDoc{Key: key, Value: r.Value, StoredAt: r.StoredAt}
	if !r.ExpiresAt.IsZero() {
		t := r.ExpiresAt
		d.ExpiresAt = &t
	}
	return d
}

func (d recordDoc) record() persist.Record {
	r := persist.Record{Value: d.Value, StoredAt: d.StoredAt}
	if d.ExpiresAt != nil {
		r.ExpiresAt = *d.ExpiresAt
	}
	return r
}

func Open(ctx context.Context, opts Opts) (*Store, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongo, %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo, %w", err)
	}

	coll := client.Database(opts.Database).Collection(opts.Collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "key", Value: 1}, {Key: "_id", Value: -1}},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create index, %w", err)
	}
	opts.Logger.Info("mongo connected", zap.String("database", opts.Database), zap.String("collection", opts.Collection))
	return &Store{client: client, coll: coll, logger: opts.Logger}, nil
}

func (s *Store) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	doc := newRecordDoc(key, persist.NewRecord(value, time.Now(), ttl))
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return persist.NewStoreError(persist.BackendMongo, persist.OpPut, key, mapErr(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (persist.Record, bool, error) {
	var doc recordDoc
	opt := options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}})
	err := s.coll.FindOne(ctx, bson.D{{Key: "key", Value: key}}, opt).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return persist.Record{}, false, nil
		}
		return persist.Record{}, false, persist.NewStoreError(persist.BackendMongo, persist.OpGet, key, mapErr(err))
	}
	return doc.record(), true, nil
}

func (s *Store) Del(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.D{{Key: "key", Value: key}}); err != nil {
		return persist.NewStoreError(persist.BackendMongo, persist.OpDel, key, mapErr(err))
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func mapErr(err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) || errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", persist.ErrBackendUnavailable, err)
	}
	return err
}
