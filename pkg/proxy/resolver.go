package proxy

import (
	"bytes"
	"context"
	"fmt"

	"github.com/marmos91/nfsproxy/pkg/handlemap"
)

// resolver is the handle strategy chosen once from handlemap.enabled.
type resolver interface {
	Resolve(ctx context.Context, handle []byte) ([]byte, error)
	Insert(ctx context.Context, local, remote []byte) error
	Invalidate(ctx context.Context, handle []byte) error
	Export(ctx context.Context, remote []byte) ([]byte, error)
	Close() error
}

// mappedResolver translates through the persistent handle map.
type mappedResolver struct {
	store *handlemap.Store
}

func (r *mappedResolver) Resolve(ctx context.Context, handle []byte) ([]byte, error) {
	local, err := handlemap.ParseLocalHandle(handle)
	if err != nil {
		return nil, err
	}
	remote, err := r.store.Resolve(ctx, local)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(remote), nil
}

func (r *mappedResolver) Insert(ctx context.Context, local, remote []byte) error {
	h, err := handlemap.ParseLocalHandle(local)
	if err != nil {
		return err
	}
	return r.store.Insert(ctx, h, handlemap.RemoteHandle(remote))
}

func (r *mappedResolver) Invalidate(ctx context.Context, handle []byte) error {
	h, err := handlemap.ParseLocalHandle(handle)
	if err != nil {
		return err
	}
	return r.store.Invalidate(ctx, h)
}

func (r *mappedResolver) Export(ctx context.Context, remote []byte) ([]byte, error) {
	h, err := r.store.Export(ctx, handlemap.RemoteHandle(remote))
	if err != nil {
		return nil, err
	}
	return h.Bytes(), nil
}

func (r *mappedResolver) Close() error { return r.store.Close() }

// passthroughResolver hands the backend's native handles to clients
// unchanged.
type passthroughResolver struct{}

func checkRemote(handle []byte) error {
	if len(handle) == 0 || len(handle) > handlemap.MaxRemoteHandleSize {
		return fmt.Errorf("%w: handle is %d bytes", handlemap.ErrInvalidHandle, len(handle))
	}
	return nil
}

func (passthroughResolver) Resolve(_ context.Context, handle []byte) ([]byte, error) {
	if err := checkRemote(handle); err != nil {
		return nil, err
	}
	return bytes.Clone(handle), nil
}

// Insert only accepts a handle mapped to itself.
func (passthroughResolver) Insert(_ context.Context, local, remote []byte) error {
	if err := checkRemote(remote); err != nil {
		return err
	}
	if !bytes.Equal(local, remote) {
		return fmt.Errorf("%w: handle mapping is disabled", handlemap.ErrAlreadyExists)
	}
	return nil
}

func (passthroughResolver) Invalidate(_ context.Context, handle []byte) error {
	return checkRemote(handle)
}

func (passthroughResolver) Export(_ context.Context, remote []byte) ([]byte, error) {
	if err := checkRemote(remote); err != nil {
		return nil, err
	}
	return bytes.Clone(remote), nil
}

func (passthroughResolver) Close() error { return nil }
