// Package reliability ships database backups to S3-compatible storage.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	appconfig "github.com/aristath/foresight/internal/config"
)

// backed-up database files, in dependency order for restore
var databaseFiles = []string{"universe.db", "config.db", "pipeline.db", "learnings.db", "replay.db"}

// Manifest describes one uploaded archive.
type Manifest struct {
	CreatedAt time.Time         `json:"created_at"`
	Files     map[string]string `json:"files"` // name -> sha256
}

// BackupService archives the data directory and uploads it to a bucket.
type BackupService struct {
	cfg      *appconfig.BackupConfig
	dataDir  string
	client   *s3.Client
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewBackupService creates a backup service, or nil when backup is disabled.
func NewBackupService(ctx context.Context, cfg *appconfig.BackupConfig, dataDir string, log zerolog.Logger) (*BackupService, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup credentials: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	return &BackupService{
		cfg:      cfg,
		dataDir:  dataDir,
		client:   client,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("service", "backup").Logger(),
	}, nil
}

// Backup archives every database file plus a checksum manifest and uploads
// the result. Returns the remote key.
func (s *BackupService) Backup(ctx context.Context) (string, error) {
	key := fmt.Sprintf("backups/foresight-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))

	archive, err := os.CreateTemp("", "foresight-backup-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("failed to create archive file: %w", err)
	}
	defer os.Remove(archive.Name())
	defer archive.Close()

	if err := s.writeArchive(archive); err != nil {
		return "", err
	}
	if _, err := archive.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to rewind archive: %w", err)
	}

	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        archive,
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload backup: %w", err)
	}

	s.log.Info().Str("key", key).Msg("Backup uploaded")

	if err := s.prune(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Failed to prune old backups")
	}
	return key, nil
}

func (s *BackupService) writeArchive(w io.Writer) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	manifest := Manifest{CreatedAt: time.Now().UTC(), Files: map[string]string{}}
	for _, name := range databaseFiles {
		path := filepath.Join(s.dataDir, name)
		sum, err := s.addFile(tw, path, name)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", name, err)
		}
		manifest.Files[name] = sum
	}

	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	hdr := &tar.Header{
		Name:    "manifest.json",
		Mode:    0o644,
		Size:    int64(len(encoded)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tw.Write(encoded); err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func (s *BackupService) addFile(tw *tar.Writer, path, name string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, h), f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// List returns remote backup keys, newest first.
func (s *BackupService) List(ctx context.Context) ([]string, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String("backups/"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key != nil && strings.HasSuffix(*obj.Key, ".tar.gz") {
			keys = append(keys, *obj.Key)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	return keys, nil
}

// prune deletes archives beyond the retention count. Keys embed their
// timestamp, so lexical order is chronological.
func (s *BackupService) prune(ctx context.Context) error {
	retain := s.cfg.RetainCount
	if retain <= 0 {
		retain = 14
	}
	keys, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys[minInt(retain, len(keys)):] {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		s.log.Info().Str("key", key).Msg("Pruned old backup")
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
