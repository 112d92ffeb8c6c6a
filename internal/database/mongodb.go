package database

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tibelf/comfyui-proxy/internal/config"
	"github.com/tibelf/comfyui-proxy/internal/models"
)

// MongoDBClient wraps the MongoDB connection and implements the task store.
// All writes use the default acknowledged write concern, so a returned nil
// error means the mutation is durable.
type MongoDBClient struct {
	client          *mongo.Client
	database        *mongo.Database
	tasksCollection *mongo.Collection
}

// NewMongoDBClient connects to MongoDB and prepares the tasks collection
func NewMongoDBClient(cfg config.MongoDBConfig) (*MongoDBClient, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Build connection URI
	uri := cfg.URI
	if uri == "" {
		// Build URI from components if URI not provided
		if cfg.Username != "" && cfg.Password != "" {
			// Use url.UserPassword to properly encode username and password
			userInfo := url.UserPassword(cfg.Username, cfg.Password)
			uri = fmt.Sprintf("mongodb://%s@%s:%s/%s?authSource=%s",
				userInfo.String(),
				cfg.Host,
				cfg.Port,
				cfg.Database,
				url.QueryEscape(cfg.AuthSource),
			)
		} else {
			uri = fmt.Sprintf("mongodb://%s:%s/%s",
				cfg.Host,
				cfg.Port,
				cfg.Database,
			)
		}
	}

	// Log connection attempt (mask password for security)
	logURI := uri
	if cfg.Password != "" && cfg.Username != "" {
		logURI = fmt.Sprintf("mongodb://%s:***@%s:%s/%s?authSource=%s",
			url.User(cfg.Username).String(), cfg.Host, cfg.Port, cfg.Database, url.QueryEscape(cfg.AuthSource))
	}
	log.Printf("Attempting to connect to MongoDB at %s", logURI)

	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB at %s: %w", logURI, err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB at %s: %w", logURI, err)
	}

	database := client.Database(cfg.Database)
	tasksCollection := database.Collection("tasks")

	// Compound index backing the pending-queue scan: filter by status,
	// ordered by creation time.
	indexModel := mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
	}
	if _, err := tasksCollection.Indexes().CreateOne(ctx, indexModel); err != nil {
		// Index might already exist, that's okay
		log.Printf("Note: MongoDB tasks index creation: %v", err)
	}

	return &MongoDBClient{
		client:          client,
		database:        database,
		tasksCollection: tasksCollection,
	}, nil
}

// Close closes the MongoDB client connection
func (c *MongoDBClient) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.client.Disconnect(ctx)
}

// Insert stores a new task. Fails if a task with the same id already exists.
func (c *MongoDBClient) Insert(ctx context.Context, task *models.Task) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.tasksCollection.InsertOne(ctx, task)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Get returns a task by id, or (nil, nil) if it does not exist
func (c *MongoDBClient) Get(ctx context.Context, id string) (*models.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var task models.Task
	err := c.tasksCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query task %s: %w", id, err)
	}
	return &task, nil
}

// Update applies a partial patch to a task. All set fields land in a single
// atomic $set together with the refreshed updatedAt, so status+progress pairs
// are never observed half-applied.
func (c *MongoDBClient) Update(ctx context.Context, id string, patch models.TaskPatch) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	set := bson.M{"updatedAt": time.Now().UTC()}
	if patch.Status != nil {
		set["status"] = *patch.Status
	}
	if patch.Progress != nil {
		set["progress"] = *patch.Progress
	}
	if patch.Result != nil {
		set["result"] = *patch.Result
	}
	if patch.Error != nil {
		set["error"] = *patch.Error
	}

	res, err := c.tasksCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("task %s not found", id)
	}
	return nil
}

// DeletePending removes a task only if it is still pending, and reports
// whether a document was deleted. The status filter is part of the delete
// itself, which closes the race between a cancel request and the dispatcher
// claiming the task.
func (c *MongoDBClient) DeletePending(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	res, err := c.tasksCollection.DeleteOne(ctx, bson.M{"_id": id, "status": models.TaskStatusPending})
	if err != nil {
		return false, fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return res.DeletedCount > 0, nil
}

// ListByStatus returns up to limit tasks with the given status, oldest first.
// Ties on createdAt are broken by id for a deterministic order.
func (c *MongoDBClient) ListByStatus(ctx context.Context, status models.TaskStatus, limit int) ([]*models.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := c.tasksCollection.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks by status: %w", err)
	}
	defer cursor.Close(ctx)

	var tasks []*models.Task
	if err := cursor.All(ctx, &tasks); err != nil {
		return nil, fmt.Errorf("failed to decode tasks: %w", err)
	}
	return tasks, nil
}

// DeleteTerminalBefore removes completed and failed tasks last updated before
// the cutoff. Used by the retention sweeper.
func (c *MongoDBClient) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	filter := bson.M{
		"status":    bson.M{"$in": []models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusFailed}},
		"updatedAt": bson.M{"$lt": cutoff},
	}
	res, err := c.tasksCollection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tasks: %w", err)
	}
	return res.DeletedCount, nil
}
