package main

import (
	"context"
	"fmt"
	"time"

	shared "github.com/andrej220/vwt/pkg/shared-models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	mongoopts "go.mongodb.org/mongo-driver/mongo/options"
)

const archiveTimeout = 30 * time.Second

// archive keeps finished responses for later lookup.
type archive interface {
	Save(ctx context.Context, resp shared.Response) error
	Close() error
}

type archivedResponse struct {
	ID         string                            `bson:"_id"`
	ExUID      string                            `bson:"exuid"`
	Operation  string                            `bson:"operation"`
	Failed     int                               `bson:"failed"`
	Error      string                            `bson:"error,omitempty"`
	FinishedAt time.Time                         `bson:"finished_at"`
	Results    map[string]shared.OperationResult `bson:"results,omitempty"`
}

func archiveID(resp shared.Response) string {
	return string(resp.Operation) + "_" + resp.ExecutionUID.String()
}

func newArchivedResponse(resp shared.Response) archivedResponse {
	return archivedResponse{
		ID:         archiveID(resp),
		ExUID:      resp.ExecutionUID.String(),
		Operation:  string(resp.Operation),
		Failed:     resp.Failed,
		Error:      resp.Error,
		FinishedAt: resp.FinishedAt,
		Results:    resp.Results,
	}
}

// mongoArchive upserts one document per execution, so a redelivered request
// replaces its earlier response.
type mongoArchive struct {
	client     *mongo.Client
	collection *mongo.Collection
}

func newMongoArchive(uri, dbName, collName string) (*mongoArchive, error) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, mongoopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return &mongoArchive{client: client, collection: client.Database(dbName).Collection(collName)}, nil
}

func (a *mongoArchive) Save(ctx context.Context, resp shared.Response) error {
	ctx, cancel := context.WithTimeout(ctx, archiveTimeout)
	defer cancel()

	doc := newArchivedResponse(resp)
	_, err := a.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, mongoopts.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive %s: %w", doc.ID, err)
	}
	return nil
}

func (a *mongoArchive) Close() error {
	return a.client.Disconnect(context.Background())
}
