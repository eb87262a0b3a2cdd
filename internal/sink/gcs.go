package sink

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	gcs "cloud.google.com/go/storage"
)

// GCSSink uploads the finalized image to a Google Cloud Storage bucket.
// Adapted from the teacher's storage/gcs.go: streaming upload with a
// temporary-object-then-copy commit so a failed upload never leaves a
// partial object at the final name, plus the CRC32C double-check against
// what GCS reports back.
type GCSSink struct {
	Bucket string
	Warn   func(string)

	client *gcs.Client
}

func NewGCSSink(ctx context.Context, bucket string) (*GCSSink, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSSink{Bucket: bucket, client: client}, nil
}

func (g *GCSSink) Upload(ctx context.Context, localPath, name string) error {
	bucket := g.client.Bucket(g.Bucket)
	obj := bucket.Object(name)

	if _, err := obj.Attrs(ctx); err == nil {
		return fmt.Errorf("sink: gs://%s/%s already exists", g.Bucket, name)
	}

	tmpName := name + ".tmp"
	tmpObj := bucket.Object(tmpName)
	defer tmpObj.Delete(ctx)

	var localCRC uint32
	err := retry(name, g.Warn, func() error {
		f, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer f.Close()

		w := tmpObj.NewWriter(ctx)
		w.ChunkSize = 16 * 1024 * 1024

		crc := crc32.MakeTable(crc32.Castagnoli)
		hasher := newRunningCRC(crc)
		if _, err := io.Copy(io.MultiWriter(w, hasher), f); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		localCRC = hasher.Sum32()
		return nil
	})
	if err != nil {
		return err
	}

	attrs, err := tmpObj.Attrs(ctx)
	if err != nil {
		return err
	}
	if attrs.CRC32C != localCRC {
		return fmt.Errorf("sink: CRC32 mismatch uploading %s: local %d, remote %d", name, localCRC, attrs.CRC32C)
	}

	copier := bucket.Object(name).CopierFrom(tmpObj)
	copier.ContentType = "application/octet-stream"
	_, err = copier.Run(ctx)
	return err
}

func newRunningCRC(table *crc32.Table) *crcHash {
	return &crcHash{table: table}
}

type crcHash struct {
	table *crc32.Table
	sum   uint32
}

func (c *crcHash) Write(p []byte) (int, error) {
	c.sum = crc32.Update(c.sum, c.table, p)
	return len(p), nil
}

func (c *crcHash) Sum32() uint32 { return c.sum }
