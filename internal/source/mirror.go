package source

import (
	"context"
	"fmt"
	"os"

	getter "github.com/hashicorp/go-getter"
)

// Mirror copies a remote dataset (any go-getter URL: git::, s3::, http
// archives, local paths) into dst, replacing what was there.
func Mirror(ctx context.Context, src, dst string) error {
	if src == "" || dst == "" {
		return fmt.Errorf("mirror needs both source and destination")
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	if err := getter.Get(dst, src, getter.WithContext(ctx)); err != nil {
		return fmt.Errorf("mirror %s: %w", src, err)
	}
	return nil
}
