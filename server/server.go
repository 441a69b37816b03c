package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// multipartMemory is how much of a multipart upload is held in memory
// before the remainder spills to a temporary file.
const multipartMemory = 1 << 20

// Server exposes the upload service over HTTP and a gRPC health endpoint
type Server struct {
	config      *Config
	blobs       BlobStore
	registry    Registry
	coordinator *Coordinator
	gateway     *Gateway

	httpSrv *http.Server
	grpcSrv *grpc.Server
	health  *health.Server
}

// NewServer builds the configured backends and returns a server over them
func NewServer(ctx context.Context, config *Config) (*Server, error) {
	blobs, err := newBlobStore(config)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(ctx, config)
	if err != nil {
		return nil, err
	}

	var cache Cache = &NoOpCache{}
	if config.Cache.Address != "" {
		// Use a shorter timeout for the Redis connection
		cacheCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		redisCache, err := NewRedisCache(cacheCtx, config.Cache.Address, config.Cache.TTL)
		if err != nil {
			log.WithError(err).Warn("Failed to create Redis cache, continuing with NoOpCache")
		} else {
			cache = redisCache
			log.WithField("address", config.Cache.Address).Info("Connected to Redis cache")
		}
	} else {
		log.Info("No Redis address configured, using NoOpCache")
	}

	return newServer(config, blobs, NewCachedRegistry(registry, cache)), nil
}

// newServer wires the coordinator, gateway and listeners over existing
// backends
func newServer(config *Config, blobs BlobStore, registry Registry) *Server {
	s := &Server{
		config:      config,
		blobs:       blobs,
		registry:    registry,
		coordinator: NewCoordinator(blobs, registry, config.IngestPolicy()),
		gateway:     NewGateway(blobs, registry),
		grpcSrv:     grpc.NewServer(),
		health:      health.NewServer(),
	}

	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	reflection.Register(s.grpcSrv)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Server.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func newBlobStore(config *Config) (BlobStore, error) {
	logger := log.WithField("backend", config.Storage.Backend)
	switch config.Storage.Backend {
	case StorageS3:
		blobs, err := NewS3BlobStore(config.AWS.Region, config.AWS.Endpoint,
			config.Storage.S3.BucketName, config.Storage.S3.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 blob store: %v", err)
		}
		logger.WithField("bucket", config.Storage.S3.BucketName).Info("Using S3 blob store")
		return blobs, nil
	case StorageFS:
		blobs, err := NewFSBlobStore(config.Storage.FS.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem blob store: %v", err)
		}
		logger.WithField("root", config.Storage.FS.Root).Info("Using filesystem blob store")
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", config.Storage.Backend)
	}
}

func newRegistry(ctx context.Context, config *Config) (Registry, error) {
	logger := log.WithField("backend", config.Registry.Backend)
	switch config.Registry.Backend {
	case RegistryMemory:
		logger.Warn("Using in-memory registry, records will not survive a restart")
		return NewMemoryRegistry(), nil
	case RegistrySQLite:
		return NewSQLiteRegistry(ctx, config.Registry.SQLite.Path, config.Registry.SQLite.MaxConnections)
	case RegistryDynamoDB:
		registry, err := NewDynamoDBRegistry(config.AWS.Region, config.AWS.Endpoint,
			config.Registry.DynamoDB.RecordsTable,
			config.Registry.DynamoDB.CountersTable,
			config.Registry.DynamoDB.IndexName)
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB registry: %v", err)
		}
		logger.WithField("table", config.Registry.DynamoDB.RecordsTable).Info("Using DynamoDB registry")
		return registry, nil
	case RegistryDocumentDB:
		return NewDocumentDBRegistry(ctx, DocumentDBOptions{
			ConnectionString:  config.Registry.DocumentDB.ConnectionString,
			PasswordSecretArn: config.Registry.DocumentDB.PasswordSecretArn,
			DatabaseName:      config.Registry.DocumentDB.DatabaseName,
			CAFile:            config.Registry.DocumentDB.CAFile,
			Region:            config.AWS.Region,
		})
	default:
		return nil, fmt.Errorf("unknown registry backend %q", config.Registry.Backend)
	}
}

// Handler returns the HTTP routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/uploads", s.handleListUploads)
	mux.HandleFunc("POST /api/uploads", s.handleCreateUpload)
	mux.HandleFunc("GET /api/uploads/{id}", s.handleGetUpload)
	mux.HandleFunc("GET /api/uploads/{id}/content", s.handleGetContent)
	mux.HandleFunc("DELETE /api/uploads/{id}", s.handleDeleteUpload)
	return mux
}

// Start runs the gRPC and HTTP listeners until Stop is called or one of them
// fails
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Server.GRPCPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", addr, err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.WithField("addr", addr).Info("gRPC server listening")
		if err := s.grpcSrv.Serve(lis); err != nil {
			errCh <- fmt.Errorf("failed to serve gRPC: %v", err)
		}
	}()
	go func() {
		log.WithField("addr", s.httpSrv.Addr).Info("HTTP server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("failed to serve HTTP: %v", err)
			return
		}
		errCh <- nil
	}()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return <-errCh
}

// Stop drains both listeners and releases the backends
func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()

	httpErr := s.httpSrv.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}

	if err := s.registry.Close(ctx); err != nil {
		log.WithError(err).Warn("Failed to close registry")
	}
	return httpErr
}

// handleHealth handles the health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// handleListUploads handles GET /api/uploads
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	var pageSize int
	if raw := r.URL.Query().Get("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, fmt.Errorf("%w: page_size must be an integer", ErrValidation))
			return
		}
		pageSize = n
	}

	page, err := s.registry.List(r.Context(), pageSize, r.URL.Query().Get("cursor"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

// handleCreateUpload handles POST /api/uploads. The form carries the file in
// the "document" field and an optional "description".
func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request) {
	if limit := s.config.Ingest.MaxUploadBytes; limit > 0 {
		// Leave room for the multipart envelope and the description
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartMemory)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, ErrPayloadTooLarge)
			return
		}
		respondError(w, fmt.Errorf("%w: malformed multipart form: %v", ErrValidation, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("document")
	if err != nil {
		respondError(w, fmt.Errorf("%w: document is required", ErrValidation))
		return
	}
	defer file.Close()

	record, err := s.coordinator.Ingest(r.Context(), IngestRequest{
		Description:  r.FormValue("description"),
		Filename:     header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Content:      file,
		DeclaredSize: header.Size,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, record)
}

// handleGetUpload handles GET /api/uploads/{id}
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uploadID(r)
	if err != nil {
		respondError(w, err)
		return
	}

	record, err := s.registry.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// handleGetContent handles GET /api/uploads/{id}/content, streaming the blob
func (s *Server) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id, err := uploadID(r)
	if err != nil {
		respondError(w, err)
		return
	}

	download, err := s.gateway.Resolve(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	defer download.Body.Close()

	w.Header().Set("Content-Type", download.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(download.Size, 10))
	w.Header().Set("Content-Disposition",
		mime.FormatMediaType("attachment", map[string]string{"filename": download.Filename}))
	w.WriteHeader(http.StatusOK)

	// Headers are already sent, so a failure here can only be logged
	if _, err := io.Copy(w, download.Body); err != nil {
		log.WithError(err).WithField("upload_id", id).Warn("Failed to stream upload content")
	}
}

// handleDeleteUpload handles DELETE /api/uploads/{id}
func (s *Server) handleDeleteUpload(w http.ResponseWriter, r *http.Request) {
	id, err := uploadID(r)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := s.coordinator.Delete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// uploadID parses the {id} path value. Anything that is not a positive
// integer cannot name an upload.
func uploadID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("upload %q: %w", raw, ErrNotFound)
	}
	return id, nil
}

// errorStatusCode maps an error kind to its HTTP status
func errorStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Code        int    `json:"code"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

func respondError(w http.ResponseWriter, err error) {
	status := errorStatusCode(err)
	description := err.Error()
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
		description = "internal error"
	}
	respondJSON(w, status, errorResponse{
		Code:        status,
		Error:       http.StatusText(status),
		Description: description,
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to encode response")
	}
}

// Audit reports the uploads whose blob is missing from the blob store
func (s *Server) Audit(ctx context.Context) ([]int64, error) {
	return s.gateway.Audit(ctx, MaxPageSize)
}
