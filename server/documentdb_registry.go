package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	documentDBUploadsCollection  = "uploads"
	documentDBCountersCollection = "counters"
)

// DocumentDBRegistry implements the Registry interface using AWS DocumentDB
// (or any MongoDB compatible server). IDs come from an atomically
// incremented counters document.
type DocumentDBRegistry struct {
	client   *mongo.Client
	database *mongo.Database
	uploads  *mongo.Collection
	counters *mongo.Collection
	now      func() int64
}

// DocumentDBUploadItem represents an upload document in DocumentDB
type DocumentDBUploadItem struct {
	ID               int64  `bson:"_id"`
	Description      string `bson:"description"`
	StorageKey       string `bson:"storage_key"`
	OriginalFilename string `bson:"original_filename"`
	ContentType      string `bson:"content_type"`
	SizeBytes        int64  `bson:"size_bytes"`
	CreatedAt        int64  `bson:"created_at"`
}

// documentDBCounter is the counters document used for ID allocation
type documentDBCounter struct {
	Name string `bson:"_id"`
	Seq  int64  `bson:"seq"`
}

// DocumentDBOptions holds the connection settings for NewDocumentDBRegistry
type DocumentDBOptions struct {
	ConnectionString  string
	PasswordSecretArn string
	DatabaseName      string
	CAFile            string
	Region            string
}

// NewDocumentDBRegistry connects to DocumentDB and returns a registry backed
// by the uploads and counters collections
func NewDocumentDBRegistry(ctx context.Context, opts DocumentDBOptions) (*DocumentDBRegistry, error) {
	logger := log.WithField("database", opts.DatabaseName)
	logger.Info("Connecting to DocumentDB")

	clientOptions := options.Client().ApplyURI(opts.ConnectionString)

	if opts.PasswordSecretArn != "" {
		password, err := getPasswordFromSecretsManager(opts.Region, opts.PasswordSecretArn)
		if err != nil {
			return nil, fmt.Errorf("failed to get password from Secrets Manager: %v", err)
		}

		clientOptions.SetAuth(options.Credential{
			AuthMechanism: "SCRAM-SHA-1",
			AuthSource:    "admin",
			Username:      usernameFromURI(opts.ConnectionString),
			Password:      password,
		})
	}

	if opts.CAFile != "" {
		tlsConfig, err := createTLSConfig(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %v", err)
		}
		clientOptions.SetTLSConfig(tlsConfig)
	}

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DocumentDB: %v", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping DocumentDB: %v", err)
	}

	logger.Info("Successfully connected to DocumentDB")

	database := client.Database(opts.DatabaseName)
	return &DocumentDBRegistry{
		client:   client,
		database: database,
		uploads:  database.Collection(documentDBUploadsCollection),
		counters: database.Collection(documentDBCountersCollection),
		now:      nowNanos,
	}, nil
}

// Insert allocates an ID from the counters collection and inserts the record
func (r *DocumentDBRegistry) Insert(ctx context.Context, record *UploadRecord) (*UploadRecord, error) {
	if err := validateRecord(record); err != nil {
		return nil, err
	}

	id, err := r.nextID(ctx)
	if err != nil {
		return nil, err
	}

	item := DocumentDBUploadItem{
		ID:               id,
		Description:      record.Description,
		StorageKey:       record.StorageKey,
		OriginalFilename: record.OriginalFilename,
		ContentType:      record.ContentType,
		SizeBytes:        record.SizeBytes,
		CreatedAt:        r.now(),
	}

	if _, err := r.uploads.InsertOne(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to insert upload: %v", err)
	}

	return item.toRecord(), nil
}

// nextID increments the upload counter, creating it on first use
func (r *DocumentDBRegistry) nextID(ctx context.Context) (int64, error) {
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var counter documentDBCounter
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": uploadCounterName},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		opts,
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate upload id: %v", err)
	}

	return counter.Seq, nil
}

// List returns uploads newest-first, strictly after cursor
func (r *DocumentDBRegistry) List(ctx context.Context, pageSize int, cursor string) (*Page, error) {
	pageSize = normalizePageSize(pageSize)
	pos, hasCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	filter := bson.M{}
	if hasCursor {
		filter = bson.M{"$or": bson.A{
			bson.M{"created_at": bson.M{"$lt": pos.createdAt}},
			bson.M{"created_at": pos.createdAt, "_id": bson.M{"$lt": pos.id}},
		}}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(pageSize + 1))

	cur, err := r.uploads.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query uploads: %v", err)
	}
	defer cur.Close(ctx)

	records := make([]*UploadRecord, 0, pageSize+1)
	for cur.Next(ctx) {
		var item DocumentDBUploadItem
		if err := cur.Decode(&item); err != nil {
			log.WithError(err).Warn("Failed to decode upload document")
			continue
		}
		records = append(records, item.toRecord())
	}

	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %v", err)
	}

	return newPage(records, pageSize), nil
}

// Get retrieves an upload by ID
func (r *DocumentDBRegistry) Get(ctx context.Context, id int64) (*UploadRecord, error) {
	var item DocumentDBUploadItem
	err := r.uploads.FindOne(ctx, bson.M{"_id": id}).Decode(&item)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("upload %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get upload: %v", err)
	}

	return item.toRecord(), nil
}

// Delete removes an upload
func (r *DocumentDBRegistry) Delete(ctx context.Context, id int64) error {
	result, err := r.uploads.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete upload: %v", err)
	}
	if result.DeletedCount == 0 {
		return fmt.Errorf("upload %d: %w", id, ErrNotFound)
	}

	return nil
}

// Close closes the DocumentDB connection
func (r *DocumentDBRegistry) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

func (item *DocumentDBUploadItem) toRecord() *UploadRecord {
	return &UploadRecord{
		ID:               item.ID,
		Description:      item.Description,
		StorageKey:       item.StorageKey,
		OriginalFilename: item.OriginalFilename,
		ContentType:      item.ContentType,
		SizeBytes:        item.SizeBytes,
		CreatedAt:        timestamp(item.CreatedAt),
	}
}

// getPasswordFromSecretsManager retrieves the password from AWS Secrets Manager
func getPasswordFromSecretsManager(region, secretArn string) (string, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create AWS session: %v", err)
	}

	svc := secretsmanager.New(sess)
	result, err := svc.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret value: %v", err)
	}

	if result.SecretString == nil {
		return "", fmt.Errorf("secret value is nil")
	}

	return *result.SecretString, nil
}

// usernameFromURI extracts the user from mongodb://user@host/... URIs
func usernameFromURI(uri string) string {
	username := "filedrop"
	if strings.Contains(uri, "://") && strings.Contains(uri, "@") {
		parts := strings.SplitN(uri, "://", 2)
		userPart := strings.SplitN(strings.Split(parts[1], "@")[0], ":", 2)[0]
		if userPart != "" {
			username = userPart
		}
	}
	return username
}

// createTLSConfig trusts the CA bundle at certPath (the DocumentDB global
// bundle in production)
func createTLSConfig(certPath string) (*tls.Config, error) {
	if skipVerify := os.Getenv("SKIP_TLS_VERIFY"); skipVerify == "true" {
		log.Warn("Skipping TLS certificate verification - NOT for production use!")
		return &tls.Config{
			InsecureSkipVerify: true,
		}, nil
	}

	caCert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate from %s: %v", certPath, err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		RootCAs: caCertPool,
	}, nil
}
