package s3blob

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/alanyoungcy/tradeledger/internal/domain"
)

// multipartThreshold is the file size above which archives go through the
// multipart uploader.
const multipartThreshold int64 = 16 * 1024 * 1024

// Archiver implements domain.ImportArchiver. Every distinct file identity is
// uploaded once; the local file is only read.
type Archiver struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	audit  domain.AuditStore
}

// NewArchiver creates a new Archiver. audit may be nil.
func NewArchiver(writer domain.BlobWriter, reader domain.BlobReader, audit domain.AuditStore) *Archiver {
	return &Archiver{writer: writer, reader: reader, audit: audit}
}

// ArchiveImport uploads the file behind id unless an object for the same
// identity already exists, and returns the object key.
func (a *Archiver) ArchiveImport(ctx context.Context, id domain.FileIdentity) (string, error) {
	key := archiveKey(id)

	exists, err := a.reader.Exists(ctx, key)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", id.Path, err)
	}
	if exists {
		return key, nil
	}

	f, err := os.Open(id.Path)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", id.Path, err)
	}
	defer f.Close()

	if id.Size > multipartThreshold {
		err = a.writer.PutMultipart(ctx, key, f, 0)
	} else {
		err = a.writer.Put(ctx, key, f, "text/csv")
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive %s: %w", id.Path, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.import", map[string]any{
			"path": id.Path,
			"key":  key,
			"size": id.Size,
		}); err != nil {
			return key, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}
	return key, nil
}

// archiveKey builds the object key for a file identity, partitioned by the
// file's modification day and suffixed with a digest of its signature so
// re-exports under the same name do not collide.
//
//	imports/2024/03/01/fills-3f9a1c0d2e4b5a69.csv
func archiveKey(id domain.FileIdentity) string {
	sum := blake2b.Sum256([]byte(id.Signature()))
	base := strings.TrimSuffix(filepath.Base(id.Path), filepath.Ext(id.Path))
	return fmt.Sprintf("imports/%s/%s-%s.csv",
		id.ModTime.UTC().Format("2006/01/02"), base, hex.EncodeToString(sum[:8]))
}

// Compile-time interface check.
var _ domain.ImportArchiver = (*Archiver)(nil)
