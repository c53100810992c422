// Package mongodb implements the persistence interfaces on MongoDB.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/heritago/heritago/pkg/persistence"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	workflowsCollection  = "workflows"
	executionsCollection = "workflow_executions"
	schedulesCollection  = "scheduled_workflows"
	depublishCollection  = "depublish_record_ids"

	maxRetries      = 4
	initialInterval = 200 * time.Millisecond

	defaultPageSize = 16
)

// Options configures the MongoDB connection.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Persistence is the MongoDB-backed implementation of
// persistence.Persistence. Reads are retried with bounded exponential backoff
// on transient connectivity errors; writes are idempotent by their unique
// keys so retries cannot double-insert.
type Persistence struct {
	client   *mongo.Client
	database *mongo.Database

	workflows  *workflowStore
	executions *executionStore
	schedules  *scheduleStore
	depublish  *depublishStore
}

// NewPersistence connects, pings and prepares the collections and indexes.
func NewPersistence(ctx context.Context, opts *Options) (*Persistence, error) {
	clientOptions := options.Client().SetHosts(strings.Split(opts.Addr, ","))
	if opts.Username != "" && opts.Password != "" {
		clientOptions.SetAuth(options.Credential{
			Username: opts.Username,
			Password: opts.Password,
		})
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	database := client.Database(opts.Database)
	p := &Persistence{
		client:   client,
		database: database,
	}
	p.workflows = &workflowStore{p: p, collection: database.Collection(workflowsCollection)}
	p.executions = &executionStore{p: p, collection: database.Collection(executionsCollection)}
	p.schedules = &scheduleStore{p: p, collection: database.Collection(schedulesCollection)}
	p.depublish = &depublishStore{p: p, collection: database.Collection(depublishCollection)}

	if err := p.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure indexes: %w", err)
	}

	return p, nil
}

func (p *Persistence) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)

	indexes := map[*mongo.Collection][]mongo.IndexModel{
		p.workflows.collection: {
			{Keys: bson.D{{Key: "datasetId", Value: 1}}, Options: unique},
		},
		p.executions.collection: {
			{Keys: bson.D{{Key: "datasetId", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "updatedDate", Value: 1}}},
			{Keys: bson.D{{Key: "createdDate", Value: -1}}},
		},
		p.schedules.collection: {
			{Keys: bson.D{{Key: "datasetId", Value: 1}}, Options: unique},
		},
		p.depublish.collection: {
			{Keys: bson.D{{Key: "datasetId", Value: 1}, {Key: "recordId", Value: 1}}, Options: unique},
		},
	}

	for collection, models := range indexes {
		if _, err := collection.Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}

	return nil
}

func (p *Persistence) Workflows() persistence.WorkflowStore         { return p.workflows }
func (p *Persistence) Executions() persistence.ExecutionStore       { return p.executions }
func (p *Persistence) Schedules() persistence.ScheduleStore         { return p.schedules }
func (p *Persistence) DepublishRecords() persistence.DepublishStore { return p.depublish }

func (p *Persistence) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx, nil)
}

func (p *Persistence) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

// withRetry runs fn, retrying transient connectivity errors with bounded
// exponential backoff. Non-transient errors abort immediately.
func (p *Persistence) withRetry(ctx context.Context, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(initialInterval)), maxRetries),
		ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}

		return err
	}, policy)
}

func isTransient(err error) bool {
	return mongo.IsNetworkError(err) || mongo.IsTimeout(err) ||
		errors.Is(err, mongo.ErrClientDisconnected)
}
