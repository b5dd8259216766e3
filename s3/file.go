package s3

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// DownloadFile copies a remote object into dest. The object is written to a
// temporary sibling first and renamed on success, so an interrupted transfer
// never leaves a partial file at dest. Transient errors are retried following
// retry; a missing object is not retried.
func DownloadFile(ctx context.Context, store ObjectStorage, fs afero.Fs, URI, dest string, retry backoff.BackOff) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, errors.Wrap(err, "creating destination directory")
	}
	tmp := dest + ".part-" + uuid.New().String()
	f, err := fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, errors.Wrap(err, "creating temporary file")
	}
	defer fs.Remove(tmp)

	if retry == nil {
		retry = backoff.NewExponentialBackOff()
	}
	var n int64
	op := func() error {
		if _, err := f.Seek(0, 0); err != nil {
			return backoff.Permanent(err)
		}
		if err := f.Truncate(0); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		n, err = store.Download(ctx, f, URI)
		if errors.Cause(err) == ErrNotFound {
			return backoff.Permanent(err)
		}
		return err
	}
	err = backoff.Retry(op, backoff.WithContext(retry, ctx))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "closing temporary file")
	}
	if err != nil {
		return n, err
	}
	if err := fs.Rename(tmp, dest); err != nil {
		return n, errors.Wrap(err, "moving download into place")
	}
	return n, nil
}
