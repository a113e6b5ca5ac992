// Package store wraps the backing document store. It owns collection
// names, indexes and every query the controller issues; callers work with
// model types and positional $set documents only.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-retry"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dtufleet/uartcenter/internal/model"
)

// Collection names, matching the historical schema.
const (
	colTerminals     = "terminals"
	colNodes         = "node.clients"
	colProtocols     = "device.protocols"
	colResultColl    = "client.resultcolltions"
	colResultSingles = "client.resultsingles"
	colDTUOps        = "log.dtuoperations"
)

// Store is a connected handle to the document store.
type Store struct {
	log    hclog.Logger
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials uri and pings with fibonacci backoff (about 30 s total)
// before giving up. An unreachable store is a startup failure.
func Connect(ctx context.Context, log hclog.Logger, uri string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect store: %w", err)
	}

	backoff := retry.WithMaxDuration(30*time.Second, retry.NewFibonacci(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := client.Ping(ctx, nil); err != nil {
			log.Warn("store ping failed, retrying", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping store: %w", err)
	}

	return &Store{
		log:    log.Named("store"),
		client: client,
		db:     client.Database("uartcenter"),
	}, nil
}

// Close releases the client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the control plane queries depend on.
// Failure here aborts startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	type spec struct {
		col    string
		keys   bson.D
		unique bool
	}
	specs := []spec{
		{colTerminals, bson.D{{Key: "DevMac", Value: 1}}, true},
		{colTerminals, bson.D{{Key: "mountNode", Value: 1}}, false},
		{colTerminals, bson.D{{Key: "online", Value: 1}}, false},
		{colTerminals, bson.D{{Key: "mountDevs.pid", Value: 1}}, false},
		{colNodes, bson.D{{Key: "Name", Value: 1}}, true},
		{colProtocols, bson.D{{Key: "Protocol", Value: 1}}, true},
	}
	for _, sp := range specs {
		m := mongo.IndexModel{Keys: sp.keys}
		if sp.unique {
			m.Options = options.Index().SetUnique(true)
		}
		if _, err := s.db.Collection(sp.col).Indexes().CreateOne(ctx, m); err != nil {
			return fmt.Errorf("ensure index on %s %v: %w", sp.col, sp.keys, err)
		}
	}
	return nil
}

// Terminal loads one terminal by mac. A missing document returns (nil, nil).
func (s *Store) Terminal(ctx context.Context, mac string) (*model.Terminal, error) {
	var t model.Terminal
	err := s.db.Collection(colTerminals).FindOne(ctx, bson.M{"DevMac": mac}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load terminal %s: %w", mac, err)
	}
	return &t, nil
}

// TerminalsByNode loads every terminal mounted on node.
func (s *Store) TerminalsByNode(ctx context.Context, node string) ([]model.Terminal, error) {
	return s.terminals(ctx, bson.M{"mountNode": node})
}

// OnlineTerminals loads every terminal currently flagged online.
func (s *Store) OnlineTerminals(ctx context.Context) ([]model.Terminal, error) {
	return s.terminals(ctx, bson.M{"online": true})
}

func (s *Store) terminals(ctx context.Context, filter bson.M) ([]model.Terminal, error) {
	cur, err := s.db.Collection(colTerminals).Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find terminals %v: %w", filter, err)
	}
	var out []model.Terminal
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode terminals: %w", err)
	}
	return out, nil
}

// SetTerminalOnline flips the top-level online flag and stamps uptime.
func (s *Store) SetTerminalOnline(ctx context.Context, mac string, online bool) error {
	return s.ApplyTerminalUpdate(ctx, mac, bson.M{"online": online, "uptime": time.Now()})
}

// ApplyTerminalUpdate applies a single positional $set to one terminal.
// This is the entity flush target; paths may address nested mount-device
// fields as mountDevs.<index>.<field>.
func (s *Store) ApplyTerminalUpdate(ctx context.Context, mac string, set bson.M) error {
	_, err := s.db.Collection(colTerminals).UpdateOne(ctx,
		bson.M{"DevMac": mac}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update terminal %s: %w", mac, err)
	}
	return nil
}

// UpsertNode installs or refreshes a node.clients record by Name.
func (s *Store) UpsertNode(ctx context.Context, n model.NodeClient) error {
	_, err := s.db.Collection(colNodes).UpdateOne(ctx,
		bson.M{"Name": n.Name},
		bson.M{"$set": n},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", n.Name, err)
	}
	return nil
}

// SetNodeOnline flips a node record's online flag.
func (s *Store) SetNodeOnline(ctx context.Context, name string, online bool) error {
	_, err := s.db.Collection(colNodes).UpdateOne(ctx,
		bson.M{"Name": name},
		bson.M{"$set": bson.M{"online": online, "lastSeen": time.Now()}})
	if err != nil {
		return fmt.Errorf("set node %s online=%t: %w", name, online, err)
	}
	return nil
}

// ActiveNodes returns every persisted node record flagged online.
func (s *Store) ActiveNodes(ctx context.Context) ([]model.NodeClient, error) {
	cur, err := s.db.Collection(colNodes).Find(ctx, bson.M{"online": true})
	if err != nil {
		return nil, fmt.Errorf("find active nodes: %w", err)
	}
	var out []model.NodeClient
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode nodes: %w", err)
	}
	return out, nil
}

// Protocol loads one descriptor by name. Missing returns (nil, nil) so the
// registry can treat it as unknown.
func (s *Store) Protocol(ctx context.Context, name string) (*model.Protocol, error) {
	var p model.Protocol
	err := s.db.Collection(colProtocols).FindOne(ctx, bson.M{"Protocol": name}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load protocol %s: %w", name, err)
	}
	return &p, nil
}

// SaveResult persists one query result to the collection row and the
// latest-single row keyed by (mac, pid).
func (s *Store) SaveResult(ctx context.Context, r *model.QueryResult) error {
	if _, err := s.db.Collection(colResultColl).InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert result %s/%d: %w", r.Mac, r.PID, err)
	}
	_, err := s.db.Collection(colResultSingles).UpdateOne(ctx,
		bson.M{"mac": r.Mac, "pid": r.PID},
		bson.M{"$set": r},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert single result %s/%d: %w", r.Mac, r.PID, err)
	}
	return nil
}

// AppendDTUOperation appends one operation-log row.
func (s *Store) AppendDTUOperation(ctx context.Context, op *model.DTUOperation) error {
	if _, err := s.db.Collection(colDTUOps).InsertOne(ctx, op); err != nil {
		return fmt.Errorf("append dtu operation %s: %w", op.Mac, err)
	}
	return nil
}
