package blob

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sweemingdow/sdchat/pkg/myerr"
)

type Store interface {
	// Upload stores data and returns a URL anyone can fetch it from.
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"audio/mpeg": ".mp3",
	"audio/aac":  ".aac",
}

type FsStore struct {
	dir        string
	publicBase string
	maxBytes   int
}

func NewFsStore(dir, publicBase string, maxBytes int) (*FsStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return &FsStore{
		dir:        dir,
		publicBase: strings.TrimRight(publicBase, "/"),
		maxBytes:   maxBytes,
	}, nil
}

func (fs *FsStore) Dir() string {
	return fs.dir
}

func (fs *FsStore) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	if len(data) == 0 {
		return "", myerr.Invalid("blob_empty", "empty upload")
	}

	if fs.maxBytes > 0 && len(data) > fs.maxBytes {
		return "", myerr.Invalid("blob_too_large", "upload of %d bytes exceeds %d", len(data), fs.maxBytes)
	}

	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", myerr.Invalid("blob_bad_type", "bad content type %q", contentType)
	}

	ext, ok := allowedTypes[mt]
	if !ok {
		return "", myerr.Invalid("blob_bad_type", "content type %s not allowed", mt)
	}

	if err = ctx.Err(); err != nil {
		return "", err
	}

	// day buckets keep directories small
	day := time.Now().Format("20060102")
	name := uuid.NewString() + ext

	if err = os.MkdirAll(filepath.Join(fs.dir, day), 0o755); err != nil {
		return "", err
	}

	tmp := filepath.Join(fs.dir, day, "."+name+".tmp")
	if err = os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}

	if err = os.Rename(tmp, filepath.Join(fs.dir, day, name)); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}

	return fmt.Sprintf("%s/%s/%s", fs.publicBase, day, name), nil
}

// KindOf maps a content type onto the media kind stored with a message.
func KindOf(contentType string) string {
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return "image"
	case strings.HasPrefix(mt, "video/"):
		return "video"
	case strings.HasPrefix(mt, "audio/"):
		return "audio"
	}
	return "file"
}
