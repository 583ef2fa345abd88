package transfer

import (
	"context"

	"keyjawn/internal/logging"
	"keyjawn/internal/remote"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// File is one item of a batch upload
type File struct {
	Name    string
	Content []byte
}

// UploadAll pushes files concurrently, each over its own connection. Results
// are indexed like files; completion order between uploads is unspecified.
func UploadAll(ctx context.Context, uploader Uploader, host remote.HostConfig, cred remote.Credential, files []File, concurrency int) []remote.UploadResult {
	results := make([]remote.UploadResult, len(files))
	if len(files) == 0 {
		return results
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	pool := pond.NewPool(min(concurrency, len(files)))
	for i, f := range files {
		pool.Submit(func() {
			results[i] = uploader.Upload(ctx, host, cred, f.Content, f.Name)
		})
	}
	pool.StopAndWait()

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	logging.Logger().Info("Batch upload finished",
		zap.String("endpoint", host.Endpoint()),
		zap.Int("files", len(files)),
		zap.Int("failed", failed))
	return results
}
