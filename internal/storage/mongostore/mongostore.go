// Package mongostore archives relayed operations per document so late
// joiners and reconnecting replicas can pull what their version vector
// lacks.
package mongostore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/coedit/syncpad/internal/clock"
	"github.com/coedit/syncpad/internal/op"
)

const collection = "ops"

type record struct {
	DocID string       `bson:"doc_id"`
	Actor string       `bson:"actor"`
	Seq   int64        `bson:"seq"`
	Op    op.Operation `bson:"op"`
	At    time.Time    `bson:"at"`
}

// Store is a mongo-backed operation archive.
type Store struct {
	ops *mongo.Collection
}

// Connect dials mongo and prepares the archive collection.
func Connect(ctx context.Context, uri, db string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := &Store{ops: client.Database(db).Collection(collection)}
	_, err = s.ops.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "doc_id", Value: 1}, {Key: "actor", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure index: %w", err)
	}
	return s, nil
}

// AppendOp archives one operation. Duplicate (doc, actor, seq) triples
// are absorbed by an upsert so relayed retries stay idempotent.
func (s *Store) AppendOp(ctx context.Context, docID string, o op.Operation) error {
	filter := bson.M{"doc_id": docID, "actor": string(o.Actor), "seq": int64(o.Seq)}
	update := bson.M{"$setOnInsert": record{
		DocID: docID, Actor: string(o.Actor), Seq: int64(o.Seq),
		Op: o, At: time.Now().UTC(),
	}}
	_, err := s.ops.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive %s %s/%d: %w", docID, o.Actor, o.Seq, err)
	}
	return nil
}

// OpsSince returns archived operations for docID that the given vector
// has not observed, ordered by (actor, seq). The causal buffer on the
// receiving side tolerates any delivery order; sorting just keeps the
// handshake deterministic.
func (s *Store) OpsSince(ctx context.Context, docID string, have clock.Vector) ([]op.Operation, error) {
	cur, err := s.ops.Find(ctx, bson.M{"doc_id": docID})
	if err != nil {
		return nil, fmt.Errorf("query archive %s: %w", docID, err)
	}
	defer cur.Close(ctx)

	var out []op.Operation
	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode archive record: %w", err)
		}
		if uint64(r.Seq) <= have.Get(clock.ActorID(r.Actor)) {
			continue
		}
		out = append(out, r.Op)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("scan archive %s: %w", docID, err)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Actor != out[j].Actor {
			return out[i].Actor < out[j].Actor
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	return s.ops.Database().Client().Disconnect(ctx)
}
