package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/energysim/pkg/log"
	"github.com/raterudder/energysim/pkg/types"
)

// docIDLayout keeps nanoseconds at a fixed width so document ids sort in time
// order.
const docIDLayout = "2006-01-02T15:04:05.000000000Z"

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Each device has a document under "devices" with "telemetry" and
// "commands" subcollections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.projectID == "" && os.Getenv("FIRESTORE_EMULATOR_HOST") != "" {
		return fmt.Errorf("firestore-project-id is required with the emulator")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(deviceID, name string) (*firestore.CollectionRef, error) {
	if deviceID == "" {
		return nil, ErrMissingDeviceID
	}
	return f.client.Collection("devices").Doc(deviceID).Collection(name), nil
}

func decodeJSON[T any](ctx context.Context, doc *firestore.DocumentSnapshot) (T, error) {
	var v T
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", doc.Ref.ID))
		return v, fmt.Errorf("document %s 'json' field is not string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), &v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return v, fmt.Errorf("failed to unmarshal document (id=%s): %w", doc.Ref.ID, err)
	}
	return v, nil
}

// InsertTelemetry stores samples as JSON blobs keyed by their timestamp. A
// sample with the same device and timestamp as an existing one replaces it.
// Anything past the newest MaxSamplesPerDevice samples is pruned.
func (f *FirestoreProvider) InsertTelemetry(ctx context.Context, samples []types.TelemetrySample) error {
	if len(samples) == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)
	devices := make(map[string]struct{})
	var jobs []*firestore.BulkWriterJob
	for _, s := range samples {
		coll, err := f.getCollection(s.DeviceID, "telemetry")
		if err != nil {
			bw.End()
			return err
		}
		jsonBytes, err := json.Marshal(s)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal telemetry: %w", err)
		}
		docID := s.Timestamp.UTC().Format(docIDLayout)
		job, err := bw.Set(coll.Doc(docID), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": s.Timestamp,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue telemetry: %w", err)
		}
		jobs = append(jobs, job)
		devices[s.DeviceID] = struct{}{}
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to insert telemetry: %w", err)
		}
	}

	for deviceID := range devices {
		if err := f.pruneTelemetry(ctx, deviceID); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to prune telemetry", slog.String("deviceID", deviceID), slog.Any("err", err))
		}
	}
	return nil
}

// pruneTelemetry deletes every sample older than the newest
// MaxSamplesPerDevice.
func (f *FirestoreProvider) pruneTelemetry(ctx context.Context, deviceID string) error {
	coll, err := f.getCollection(deviceID, "telemetry")
	if err != nil {
		return err
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Offset(MaxSamplesPerDevice).
		Documents(ctx)
	defer iter.Stop()

	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return fmt.Errorf("error iterating telemetry: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("failed to delete telemetry %s: %w", doc.Ref.ID, err)
		}
	}
	return nil
}

// GetTelemetryHistory retrieves samples within the specified time range.
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetTelemetryHistory(ctx context.Context, deviceID string, start, end time.Time) ([]types.TelemetrySample, error) {
	coll, err := f.getCollection(deviceID, "telemetry")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(start.UTC().Format(docIDLayout))).
		Where(firestore.DocumentID, "<=", coll.Doc(end.UTC().Format(docIDLayout))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var samples []types.TelemetrySample
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating telemetry: %w", err)
		}
		s, err := decodeJSON[types.TelemetrySample](ctx, doc)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, nil
}

// UpsertCommand stores the command keyed by its result id so later status
// transitions overwrite earlier ones.
func (f *FirestoreProvider) UpsertCommand(ctx context.Context, deviceID string, record types.CommandRecord) error {
	if record.Result.ID == "" {
		return fmt.Errorf("command record missing commandID")
	}
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	coll, err := f.getCollection(deviceID, "commands")
	if err != nil {
		return err
	}
	_, err = coll.Doc(record.Result.ID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": record.Command.Timestamp,
		"status":    string(record.Result.Status),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert command: %w", err)
	}
	return nil
}

// GetCommandHistory retrieves the latest limit commands for a device.
func (f *FirestoreProvider) GetCommandHistory(ctx context.Context, deviceID string, limit int) ([]types.CommandRecord, error) {
	coll, err := f.getCollection(deviceID, "commands")
	if err != nil {
		return nil, err
	}
	q := coll.OrderBy("timestamp", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var records []types.CommandRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating commands: %w", err)
		}
		r, err := decodeJSON[types.CommandRecord](ctx, doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	slices.Reverse(records)
	return records, nil
}
