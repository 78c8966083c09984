// Package assets tracks the images embedded in room documents and deletes the stored object once the last reference
// to it is removed.
package assets

import (
	"context"
	"errors"
)

// ErrForeignURL means a URL does not point into the bucket the gateway manages.
var ErrForeignURL = errors.New("url is outside the managed bucket")

// Gateway deletes stored assets by their public URL. Deleting an object that does not exist succeeds.
type Gateway interface {
	Delete(ctx context.Context, url string) error
}

type GatewayFunc func(ctx context.Context, url string) error

func (f GatewayFunc) Delete(ctx context.Context, url string) error {
	return f(ctx, url)
}
