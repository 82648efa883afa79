//go:build !gcp

package blob

import (
	"context"
	"fmt"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	return nil, fmt.Errorf("blob: gcs storage is not enabled in this build (use -tags gcp)")
}
