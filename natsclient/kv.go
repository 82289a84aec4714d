package natsclient

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/topicmodel/errors"
	"github.com/c360/topicmodel/pkg/retry"
)

// CreateKeyValueBucket returns the bucket named in cfg, creating it when it
// does not exist. Transient JetStream errors are retried.
func (c *Client) CreateKeyValueBucket(ctx context.Context, cfg jetstream.KeyValueConfig) (jetstream.KeyValue, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}

	return retry.DoWithResult(ctx, retry.Quick(), func() (jetstream.KeyValue, error) {
		bucket, err := js.KeyValue(ctx, cfg.Bucket)
		if err == nil {
			return bucket, nil
		}
		if !stderrors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, err
		}

		bucket, err = js.CreateKeyValue(ctx, cfg)
		if err == nil {
			c.logger.Info("Created KV bucket", "bucket", cfg.Bucket)
			return bucket, nil
		}
		if isAlreadyExistsError(err) {
			return js.KeyValue(ctx, cfg.Bucket)
		}
		if errors.IsInvalid(err) {
			return nil, retry.NonRetryable(err)
		}
		return nil, err
	})
}

// IsKVNotFoundError reports whether err means the key does not exist.
func IsKVNotFoundError(err error) bool {
	return stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted)
}

func isAlreadyExistsError(err error) bool {
	if stderrors.Is(err, jetstream.ErrBucketExists) || stderrors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already in use")
}
