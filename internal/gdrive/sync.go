// Package gdrive mirrors finished transcripts into a Google Drive folder.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const maxTries = 4

// files is the slice of the Drive API the syncer needs.
type files interface {
	create(ctx context.Context, meta *drive.File, media io.Reader) (string, error)
	update(ctx context.Context, id string, media io.Reader) error
}

type Syncer struct {
	files    files
	folderID string
	log      zerolog.Logger
	newBack  func() backoff.BackOff

	mu      sync.Mutex
	fileIDs map[string]string
}

func NewSyncer(ctx context.Context, credPath, folderID string, log zerolog.Logger) (*Syncer, error) {
	creds, err := os.ReadFile(credPath)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	config, err := google.CredentialsFromJSONWithTypeAndParams(ctx, creds, google.ServiceAccount, google.CredentialsParams{Scopes: []string{drive.DriveFileScope}})
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	return NewSyncerWithOptions(ctx, folderID, log, option.WithCredentials(config))
}

// NewSyncerWithOptions builds a syncer from raw client options, e.g. a custom
// endpoint and HTTP client.
func NewSyncerWithOptions(ctx context.Context, folderID string, log zerolog.Logger, opts ...option.ClientOption) (*Syncer, error) {
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return newSyncer(driveFiles{svc: svc}, folderID, log), nil
}

func newSyncer(f files, folderID string, log zerolog.Logger) *Syncer {
	return &Syncer{
		files:    f,
		folderID: folderID,
		log:      log,
		newBack: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 15 * time.Second
			return b
		},
		fileIDs: make(map[string]string),
	}
}

// Upload creates or replaces one Drive file per local path. Transient API
// errors are retried with exponential backoff; the first permanent error
// aborts the remaining uploads.
func (s *Syncer) Upload(ctx context.Context, localPaths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range localPaths {
		if p == "" {
			continue
		}
		if err := s.uploadOne(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) uploadOne(ctx context.Context, localPath string) error {
	name := "ghost-scribe-" + filepath.Base(localPath)

	id, err := backoff.Retry(ctx, func() (string, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return "", backoff.Permanent(fmt.Errorf("open %s: %w", localPath, err))
		}
		defer func() { _ = f.Close() }()

		if fileID, ok := s.fileIDs[localPath]; ok {
			if err := s.files.update(ctx, fileID, f); err != nil {
				return "", classify(fmt.Errorf("drive update: %w", err))
			}
			return fileID, nil
		}

		fileID, err := s.files.create(ctx, &drive.File{
			Name:     name,
			MimeType: mimeType(localPath),
			Parents:  []string{s.folderID},
		}, f)
		if err != nil {
			return "", classify(fmt.Errorf("drive create: %w", err))
		}
		return fileID, nil
	},
		backoff.WithBackOff(s.newBack()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.log.Warn().Err(err).Str("file", name).Dur("retry_in", wait).Msg("drive upload failed, retrying")
		}),
	)
	if err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}

	s.fileIDs[localPath] = id
	s.log.Info().Str("file", name).Str("drive_id", id).Msg("synced to drive")
	return nil
}

// classify marks client errors other than throttling as permanent.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests && apiErr.Code != http.StatusRequestTimeout {
			return backoff.Permanent(err)
		}
	}
	return err
}

func mimeType(path string) string {
	switch filepath.Ext(path) {
	case ".md":
		return "text/markdown"
	case ".json":
		return "application/json"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

type driveFiles struct {
	svc *drive.Service
}

func (d driveFiles) create(ctx context.Context, meta *drive.File, media io.Reader) (string, error) {
	f, err := d.svc.Files.Create(meta).Media(media).Context(ctx).Do()
	if err != nil {
		return "", err
	}
	return f.Id, nil
}

func (d driveFiles) update(ctx context.Context, id string, media io.Reader) error {
	_, err := d.svc.Files.Update(id, &drive.File{}).Media(media).Context(ctx).Do()
	return err
}
