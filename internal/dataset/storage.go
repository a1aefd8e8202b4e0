package dataset

import (
	"bytes"
	"context"
	"fmt"

	"AirCast/internal/domain/models"
	"AirCast/internal/domain/repository"
	"AirCast/pkg/objectstore"
)

const csvContentType = "text/csv"

// UploadFrame writes frame as CSV to key and returns its URI.
func UploadFrame(ctx context.Context, store repository.ObjectStore, key string, frame models.Frame) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, frame); err != nil {
		return "", fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Put(ctx, key, &buf, int64(buf.Len()), csvContentType); err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return store.URI(key), nil
}

// UploadSplits writes <prefix>/train/train.csv and <prefix>/test/test.csv and returns the
// channel URIs for a training job. An empty test frame is not uploaded.
func UploadSplits(ctx context.Context, store repository.ObjectStore, prefix string, train, test models.Frame) (map[string]string, error) {
	channels := make(map[string]string, 2)
	uri, err := UploadFrame(ctx, store, objectstore.Join(prefix, models.ChannelTrain, "train.csv"), train)
	if err != nil {
		return nil, err
	}
	channels[models.ChannelTrain] = uri
	if test.Len() > 0 {
		uri, err := UploadFrame(ctx, store, objectstore.Join(prefix, models.ChannelTest, "test.csv"), test)
		if err != nil {
			return nil, err
		}
		channels[models.ChannelTest] = uri
	}
	return channels, nil
}

// DownloadFrame reads a CSV frame from a URI or key of store.
func DownloadFrame(ctx context.Context, store repository.ObjectStore, uri string) (models.Frame, error) {
	key, err := store.Key(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalid, err)
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", uri, err)
	}
	defer rc.Close()
	frame, err := ReadCSV(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", uri, err)
	}
	return frame, nil
}
