// Package mongo hosts the MongoDB-backed implementation of scheduler.Store.
package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/chatcore/platform/scheduler"
)

const (
	defaultTasksCollection = "scheduled_tasks"
	defaultOpTimeout       = 5 * time.Second
	clientName             = "scheduler-mongo"
)

// Client exposes Mongo-backed scheduled-task operations, satisfying
// scheduler.Store plus health.Pinger for readiness probes.
type Client interface {
	health.Pinger
	scheduler.Store
}

// Options configures the Mongo scheduler client.
type Options struct {
	Client         *mongodriver.Client
	Database       string
	TaskCollection string
	Timeout        time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	tasks   *mongodriver.Collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB, ensuring the indexes the
// collection requires exist before returning.
func New(ctx context.Context, opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("scheduler/mongo: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("scheduler/mongo: database name is required")
	}
	coll := opts.TaskCollection
	if coll == "" {
		coll = defaultTasksCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		tasks:   db.Collection(coll),
		timeout: timeout,
	}
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Name() string { return clientName }

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) ensureIndexes(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	idIdx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.tasks.Indexes().CreateOne(ctx, idIdx); err != nil {
		return err
	}
	dueIdx := mongodriver.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_fire_at", Value: 1}},
	}
	if _, err := c.tasks.Indexes().CreateOne(ctx, dueIdx); err != nil {
		return err
	}
	userIdx := mongodriver.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	}
	_, err := c.tasks.Indexes().CreateOne(ctx, userIdx)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) Create(ctx context.Context, task scheduler.ScheduledTask) (scheduler.ScheduledTask, error) {
	if task.UserID == "" {
		return scheduler.ScheduledTask{}, errors.New("scheduler/mongo: user id is required")
	}
	nextFireAt, err := scheduler.FirstFireAt(task)
	if err != nil {
		return scheduler.ScheduledTask{}, err
	}
	now := time.Now().UTC()
	task.ID = uuid.NewString()
	task.Status = scheduler.StatusActive
	task.NextFireAt = nextFireAt
	task.CreatedAt = now
	task.UpdatedAt = now

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if _, err := c.tasks.InsertOne(ctx, fromTask(task)); err != nil {
		return scheduler.ScheduledTask{}, err
	}
	return task, nil
}

func (c *client) DueTasks(ctx context.Context, now time.Time, limit int) ([]scheduler.ScheduledTask, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":       string(scheduler.StatusActive),
		"next_fire_at": bson.M{"$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_fire_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := c.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []scheduler.ScheduledTask
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTask())
	}
	return out, cur.Err()
}

func (c *client) RecordFire(ctx context.Context, id string, firedAt time.Time, externalTaskID string) (scheduler.ScheduledTask, error) {
	if id == "" {
		return scheduler.ScheduledTask{}, errors.New("scheduler/mongo: task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc taskDocument
	if err := c.tasks.FindOne(ctx, bson.M{"id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return scheduler.ScheduledTask{}, scheduler.ErrTaskNotFound
		}
		return scheduler.ScheduledTask{}, err
	}
	task := doc.toTask()
	if externalTaskID != "" && task.ExternalTaskID == externalTaskID {
		return task, nil
	}

	updated, err := scheduler.Advance(task, firedAt, externalTaskID, time.Now().UTC())
	if err != nil {
		return scheduler.ScheduledTask{}, err
	}
	if _, err := c.tasks.ReplaceOne(ctx, bson.M{"id": id}, fromTask(updated)); err != nil {
		return scheduler.ScheduledTask{}, err
	}
	return updated, nil
}

func (c *client) Get(ctx context.Context, id string) (scheduler.ScheduledTask, error) {
	if id == "" {
		return scheduler.ScheduledTask{}, errors.New("scheduler/mongo: task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc taskDocument
	err := c.tasks.FindOne(ctx, bson.M{"id": id}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return scheduler.ScheduledTask{}, scheduler.ErrTaskNotFound
	}
	if err != nil {
		return scheduler.ScheduledTask{}, err
	}
	return doc.toTask(), nil
}

func (c *client) ListByUser(ctx context.Context, userID string, status scheduler.Status) ([]scheduler.ScheduledTask, error) {
	if userID == "" {
		return nil, errors.New("scheduler/mongo: user id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID}
	if status != "" {
		filter["status"] = string(status)
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := c.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []scheduler.ScheduledTask
	for cur.Next(ctx) {
		var doc taskDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toTask())
	}
	return out, cur.Err()
}

func (c *client) Update(ctx context.Context, id string, update scheduler.TaskUpdate) (scheduler.ScheduledTask, error) {
	if id == "" {
		return scheduler.ScheduledTask{}, errors.New("scheduler/mongo: task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	if update.Prompt != nil {
		set["prompt"] = *update.Prompt
	}
	if update.ScheduleType != nil {
		set["schedule_type"] = string(*update.ScheduleType)
	}
	if update.CronExpression != nil {
		set["cron_expression"] = *update.CronExpression
	}
	if update.ScheduledAt != nil {
		set["scheduled_at"] = *update.ScheduledAt
	}
	if update.Timezone != nil {
		set["timezone"] = *update.Timezone
	}
	if update.MaxRuns != nil {
		set["max_runs"] = *update.MaxRuns
	}
	if update.Status != nil {
		set["status"] = string(*update.Status)
	}

	res, err := c.tasks.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": set})
	if err != nil {
		return scheduler.ScheduledTask{}, err
	}
	if res.MatchedCount == 0 {
		return scheduler.ScheduledTask{}, scheduler.ErrTaskNotFound
	}
	return c.Get(ctx, id)
}

func (c *client) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errors.New("scheduler/mongo: task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.tasks.DeleteOne(ctx, bson.M{"id": id})
	if err != nil {
		return false, err
	}
	return res.DeletedCount > 0, nil
}

func (c *client) MarkFailed(ctx context.Context, id string, errMsg string) error {
	if id == "" {
		return errors.New("scheduler/mongo: task id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	set := bson.M{
		"last_error": errMsg,
		"updated_at": time.Now().UTC(),
	}
	_, err := c.tasks.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": set})
	return err
}

type taskDocument struct {
	ID             string         `bson:"id"`
	UserID         string         `bson:"user_id"`
	AgentID        string         `bson:"agent_id,omitempty"`
	SessionID      string         `bson:"session_id,omitempty"`
	TopicID        string         `bson:"topic_id,omitempty"`
	Prompt         string         `bson:"prompt"`
	ScheduleType   string         `bson:"schedule_type"`
	CronExpression string         `bson:"cron_expression,omitempty"`
	ScheduledAt    time.Time      `bson:"scheduled_at"`
	Timezone       string         `bson:"timezone,omitempty"`
	MaxRuns        int            `bson:"max_runs,omitempty"`
	RunCount       int            `bson:"run_count"`
	NextFireAt     time.Time      `bson:"next_fire_at,omitempty"`
	LastRunAt      time.Time      `bson:"last_run_at,omitempty"`
	ExternalTaskID string         `bson:"external_task_id,omitempty"`
	Status         string         `bson:"status"`
	LastError      string         `bson:"last_error,omitempty"`
	Metadata       map[string]any `bson:"metadata,omitempty"`
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

func fromTask(t scheduler.ScheduledTask) taskDocument {
	return taskDocument{
		ID:             t.ID,
		UserID:         t.UserID,
		AgentID:        t.AgentID,
		SessionID:      t.SessionID,
		TopicID:        t.TopicID,
		Prompt:         t.Prompt,
		ScheduleType:   string(t.ScheduleType),
		CronExpression: t.CronExpression,
		ScheduledAt:    t.ScheduledAt,
		Timezone:       t.Timezone,
		MaxRuns:        t.MaxRuns,
		RunCount:       t.RunCount,
		NextFireAt:     t.NextFireAt,
		LastRunAt:      t.LastRunAt,
		ExternalTaskID: t.ExternalTaskID,
		Status:         string(t.Status),
		LastError:      t.LastError,
		Metadata:       t.Metadata,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (doc taskDocument) toTask() scheduler.ScheduledTask {
	return scheduler.ScheduledTask{
		ID:             doc.ID,
		UserID:         doc.UserID,
		AgentID:        doc.AgentID,
		SessionID:      doc.SessionID,
		TopicID:        doc.TopicID,
		Prompt:         doc.Prompt,
		ScheduleType:   scheduler.ScheduleType(doc.ScheduleType),
		CronExpression: doc.CronExpression,
		ScheduledAt:    doc.ScheduledAt,
		Timezone:       doc.Timezone,
		MaxRuns:        doc.MaxRuns,
		RunCount:       doc.RunCount,
		NextFireAt:     doc.NextFireAt,
		LastRunAt:      doc.LastRunAt,
		ExternalTaskID: doc.ExternalTaskID,
		Status:         scheduler.Status(doc.Status),
		LastError:      doc.LastError,
		Metadata:       doc.Metadata,
		CreatedAt:      doc.CreatedAt,
		UpdatedAt:      doc.UpdatedAt,
	}
}
