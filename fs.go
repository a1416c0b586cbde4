package cycle

import (
	"context"
	"fmt"
	"io"
	"os"
)

// File system helpers. Each runs its os call on the blocking pool, so a
// task can touch the file system without stalling a worker, and fails with
// ErrBlockingDisabled if the pool is off.

// ReadFile reads the named file.
func ReadFile(name string) *BlockingCall[[]byte] {
	return Blocking(func(context.Context) ([]byte, error) {
		return os.ReadFile(name)
	})
}

// WriteFile writes data to the named file, creating it with perm if needed,
// and truncating it otherwise.
func WriteFile(name string, data []byte, perm os.FileMode) *BlockingCall[struct{}] {
	return Blocking(func(context.Context) (struct{}, error) {
		return struct{}{}, os.WriteFile(name, data, perm)
	})
}

// CopyFile copies src to dst, creating dst with the mode of src, and
// completes with the number of bytes copied. The copy stops early if the
// scheduler terminates.
func CopyFile(dst, src string) *BlockingCall[int64] {
	return Blocking(func(ctx context.Context) (int64, error) {
		return copyFile(ctx, dst, src)
	})
}

func copyFile(ctx context.Context, dst, src string) (n int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	n, err = io.Copy(out, &contextReader{ctx: ctx, r: in})
	if err != nil {
		return n, fmt.Errorf("cycle: copy %s to %s: %w", src, dst, err)
	}
	return n, nil
}

// contextReader fails reads once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ReadDir reads the named directory, sorted by file name.
func ReadDir(name string) *BlockingCall[[]os.DirEntry] {
	return Blocking(func(context.Context) ([]os.DirEntry, error) {
		return os.ReadDir(name)
	})
}

// StatFile describes the named file.
func StatFile(name string) *BlockingCall[os.FileInfo] {
	return Blocking(func(context.Context) (os.FileInfo, error) {
		return os.Stat(name)
	})
}

// MkdirAll creates a directory and any missing parents.
func MkdirAll(path string, perm os.FileMode) *BlockingCall[struct{}] {
	return Blocking(func(context.Context) (struct{}, error) {
		return struct{}{}, os.MkdirAll(path, perm)
	})
}

// RemoveFile removes the named file or empty directory.
func RemoveFile(name string) *BlockingCall[struct{}] {
	return Blocking(func(context.Context) (struct{}, error) {
		return struct{}{}, os.Remove(name)
	})
}

// RemoveAll removes path and anything it contains.
func RemoveAll(path string) *BlockingCall[struct{}] {
	return Blocking(func(context.Context) (struct{}, error) {
		return struct{}{}, os.RemoveAll(path)
	})
}
