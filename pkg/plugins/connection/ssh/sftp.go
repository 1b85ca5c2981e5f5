package ssh

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"path"

	"github.com/pkg/sftp"

	"github.com/openfroyo/froyoctl/pkg/errs"
)

// copyBufferSize is the chunk size between cancellation checks.
const copyBufferSize = 32 * 1024

// sftpClient returns the session's SFTP client, starting the subsystem on
// first use.
func (s *Session) sftpClient() (*sftp.Client, error) {
	s.sftpMu.Lock()
	defer s.sftpMu.Unlock()

	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnection, "failed to start sftp", err).WithHost(s.host)
	}
	s.sftp = c
	return c, nil
}

// Put writes data to remotePath, creating parent directories.
func (s *Session) Put(ctx context.Context, data []byte, remotePath string, mode fs.FileMode) error {
	client, err := s.sftpClient()
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return s.transferError("put", "failed to create remote directory", err)
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return s.transferError("put", "failed to create remote file", err)
	}
	defer f.Close()

	n, err := copyWithContext(ctx, f, bytes.NewReader(data))
	if err != nil {
		return s.transferError("put", "failed to write remote file", err)
	}
	if mode != 0 {
		if err := client.Chmod(remotePath, mode.Perm()); err != nil {
			return s.transferError("put", "failed to set remote file mode", err)
		}
	}

	s.logger.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return nil
}

// Fetch reads remotePath.
func (s *Session) Fetch(ctx context.Context, remotePath string) ([]byte, error) {
	client, err := s.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, s.transferError("fetch", "failed to open remote file", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, f); err != nil {
		return nil, s.transferError("fetch", "failed to read remote file", err)
	}
	return buf.Bytes(), nil
}

func (s *Session) transferError(op, msg string, err error) error {
	return errs.Wrap(errs.CodeExecution, msg, err).WithHost(s.host).WithOperation(op)
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
