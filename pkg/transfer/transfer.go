// Package transfer copies files to and from remote hosts over the connection's
// file-transfer stream.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrej220/vwt/pkg/executor"
	"github.com/andrej220/vwt/pkg/lg"
)

const DefaultChunkSize = 32 * 1024

type Options struct {
	ChunkSize           int
	VerifyChecksum      bool
	PreservePermissions bool
	Logger              lg.Logger
}

type Transfer struct {
	opts   Options
	logger lg.Logger
}

func New(opts Options) *Transfer {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	opts.Logger = lg.OrDiscard(opts.Logger)
	return &Transfer{opts: opts, logger: opts.Logger.With(lg.String("component", "transfer"))}
}

func files(conn executor.Conn) (executor.FileClient, error) {
	fc, err := conn.Files()
	if err != nil {
		return nil, &executor.ChannelClosedError{Transient: true, Err: fmt.Errorf("file transfer stream: %w", err)}
	}
	return fc, nil
}

// Upload copies localPath to remotePath and returns the number of bytes written.
func (t *Transfer) Upload(ctx context.Context, conn executor.Conn, localPath, remotePath string) (int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()
	st, err := src.Stat()
	if err != nil {
		return 0, err
	}

	fc, err := files(conn)
	if err != nil {
		return 0, err
	}
	dst, err := fc.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", remotePath, err)
	}
	h := sha256.New()
	n, err := t.copy(ctx, dst, io.TeeReader(src, h))
	if cerr := dst.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close %s: %w", remotePath, cerr)
	}
	if err != nil {
		return n, err
	}

	if t.opts.PreservePermissions {
		if err := fc.Chmod(remotePath, st.Mode().Perm()); err != nil {
			return n, fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}
	if t.opts.VerifyChecksum {
		if err := t.verify(ctx, conn, remotePath, h); err != nil {
			return n, err
		}
	}
	t.logger.Debug("uploaded", lg.String("local", localPath), lg.String("remote", remotePath), lg.Int64("bytes", n))
	return n, nil
}

// Download copies remotePath to localPath. The file is written next to localPath
// first and renamed into place once complete.
func (t *Transfer) Download(ctx context.Context, conn executor.Conn, remotePath, localPath string) (int64, error) {
	fc, err := files(conn)
	if err != nil {
		return 0, err
	}
	st, err := fc.Stat(remotePath)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", remotePath, err)
	}
	src, err := fc.Open(remotePath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", remotePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := t.copy(ctx, io.MultiWriter(tmp, h), src)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}

	mode := os.FileMode(0o644)
	if t.opts.PreservePermissions && st.Mode().Perm() != 0 {
		mode = st.Mode().Perm()
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return n, err
	}
	if t.opts.VerifyChecksum {
		if err := t.verify(ctx, conn, remotePath, h); err != nil {
			return n, err
		}
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return n, err
	}
	t.logger.Debug("downloaded", lg.String("remote", remotePath), lg.String("local", localPath), lg.Int64("bytes", n))
	return n, nil
}

// copy moves data in ChunkSize pieces, checking ctx between chunks.
func (t *Transfer) copy(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, t.opts.ChunkSize)
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, executor.Timeout("transfer", err)
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
			if w != n {
				return total, io.ErrShortWrite
			}
		}
		if errors.Is(rerr, io.EOF) {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// verify compares the local digest with sha256sum run on the remote host.
func (t *Transfer) verify(ctx context.Context, conn executor.Conn, remotePath string, h hash.Hash) error {
	local := hex.EncodeToString(h.Sum(nil))
	out, err := conn.Run(ctx, "sha256sum "+executor.ShellQuote(remotePath))
	if err != nil {
		return err
	}
	if out.ExitCode != 0 {
		return &executor.CommandError{Command: "sha256sum", ExitCode: out.ExitCode, Stderr: out.Stderr + out.Stdout}
	}
	fields := strings.Fields(out.Stdout)
	if len(fields) == 0 {
		return fmt.Errorf("%s: %w: empty sha256sum output", remotePath, executor.ErrTransferChecksumMismatch)
	}
	if remote := strings.ToLower(fields[0]); remote != local {
		return fmt.Errorf("%s: %w: local %s, remote %s", remotePath, executor.ErrTransferChecksumMismatch, local, remote)
	}
	return nil
}
