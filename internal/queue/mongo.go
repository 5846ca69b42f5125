package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/convoy-sh/convoy/internal/model"
)

// Task lifecycle states in the queue collection. WAITING tasks have
// unmet dependencies; the workflow engine promotes them to READY.
const (
	stateWaiting   = "WAITING"
	stateReady     = "READY"
	stateRunning   = "RUNNING"
	stateCompleted = "COMPLETED"
	stateFizzled   = "FIZZLED"
)

const tasksCollection = "tasks"

// taskDoc is a queue document: the task itself plus scheduling state.
type taskDoc struct {
	model.Task `bson:",inline"`

	State      string            `bson:"state"`
	Priority   int               `bson:"priority"`
	CreatedAt  time.Time         `bson:"created_at"`
	Worker     string            `bson:"worker,omitempty"`
	LeasedAt   time.Time         `bson:"leased_at,omitempty"`
	ReportedAt time.Time         `bson:"reported_at,omitempty"`
	Result     *model.TaskResult `bson:"result,omitempty"`
}

// Mongo is the production queue backend.
type Mongo struct {
	client *mongo.Client
	tasks  *mongo.Collection
	log    zerolog.Logger
}

var _ Queue = (*Mongo)(nil)

// Dial connects to the queue database and verifies it is reachable.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*Mongo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := options.Client().
		ApplyURI(cfg.URI()).
		SetServerSelectionTimeout(10 * time.Second)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect queue %s: %w", cfg.Redacted(), err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping queue %s: %w", cfg.Redacted(), err)
	}
	log.Info().Str("queue", cfg.Redacted()).Msg("Connected to workflow queue")
	return &Mongo{
		client: client,
		tasks:  client.Database(cfg.Database).Collection(tasksCollection),
		log:    log,
	}, nil
}

// Lease claims the highest-priority ready task with a single atomic
// find-and-update, so two workers can never claim the same document.
func (q *Mongo) Lease(ctx context.Context, worker string) (*model.Task, error) {
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "priority", Value: -1}, {Key: "created_at", Value: 1}}).
		SetReturnDocument(options.After)
	update := bson.M{"$set": bson.M{
		"state":     stateRunning,
		"worker":    worker,
		"leased_at": time.Now().UTC(),
	}}

	var doc taskDoc
	err := q.tasks.FindOneAndUpdate(ctx, bson.M{"state": stateReady}, update, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease task: %w", err)
	}
	q.log.Debug().Str("task", doc.DisplayName()).Str("worker", worker).Msg("Leased task")
	t := doc.Task
	return &t, nil
}

// Report stores the result and moves the task to its terminal state.
func (q *Mongo) Report(ctx context.Context, taskID string, res model.TaskResult) error {
	update := bson.M{"$set": bson.M{
		"state":       terminalState(res.Status),
		"result":      res,
		"reported_at": time.Now().UTC(),
	}}
	out, err := q.tasks.UpdateByID(ctx, taskID, update)
	if err != nil {
		return fmt.Errorf("report task %s: %w", taskID, err)
	}
	if out.MatchedCount == 0 {
		return fmt.Errorf("report task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// HasBlocked reports whether any task is waiting on dependencies.
func (q *Mongo) HasBlocked(ctx context.Context) (bool, error) {
	n, err := q.tasks.CountDocuments(ctx, bson.M{"state": stateWaiting}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count waiting tasks: %w", err)
	}
	return n > 0, nil
}

func (q *Mongo) Ping(ctx context.Context) error {
	return q.client.Ping(ctx, readpref.Primary())
}

func (q *Mongo) Close(ctx context.Context) error {
	return q.client.Disconnect(ctx)
}

// terminalState maps a result status to the queue state the workflow
// engine acts on.
func terminalState(s model.Status) string {
	if s == model.StatusSuccess {
		return stateCompleted
	}
	return stateFizzled
}
