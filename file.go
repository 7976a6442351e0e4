package agentfs

import (
	"context"
	"io"
	"time"

	"zombiezen.com/go/sqlite"
)

// zeroTrimChunk strips trailing zeros before a chunk is stored, absent
// tails read back as zeros.
func zeroTrimChunk(chunk []byte) []byte {
	i := len(chunk) - 1
	for ; i >= 0; i-- {
		if chunk[i] != 0 {
			break
		}
	}
	return chunk[:i+1]
}

func zeroExpandChunk(chunk *[]byte, chunkSize uint64) {
	for uint64(len(*chunk)) < chunkSize {
		*chunk = append(*chunk, 0)
	}
}

// storeFile is an open handle on a regular file in the store. The handle
// itself is stateless apart from the pinned inode, offsets come from the
// caller on every call.
type storeFile struct {
	fs     *Fs
	ino    uint64
	closed bool
}

// MAX_IO bounds a single read or write transaction, larger requests are
// truncated and the caller retries with the remainder.
const MAX_IO = 32 * DEFAULT_CHUNK_SIZE

func (f *storeFile) WriteData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	if err := f.fs.checkWritable(); err != nil {
		return 0, err
	}
	if len(buf) == 0 {
		return 0, nil
	}
	if len(buf) > MAX_IO {
		buf = buf[:MAX_IO]
	}

	ev := HookEvent{Op: HookOpWrite, Ino: f.ino, Offset: offset, Size: uint64(len(buf))}
	if err := f.fs.checkHooks(ctx, &ev); err != nil {
		return 0, err
	}

	chunkSize := f.fs.store.chunkSize
	var nWritten uint64

	err := f.fs.store.writeTx(ctx, func(conn *sqlite.Conn) error {
		stat, err := f.fs.store.getStat(conn, f.ino)
		if err != nil {
			return err
		}
		if stat.Mode&S_IFMT != S_IFREG {
			return ErrInvalid
		}

		currentOffset := offset
		remaining := buf

		// First chunk when the write is unaligned or undersized needs a
		// read-modify-write.
		if currentOffset%chunkSize != 0 || uint64(len(remaining)) < chunkSize {
			idx := currentOffset / chunkSize
			within := currentOffset % chunkSize
			n := chunkSize - within
			if n > uint64(len(remaining)) {
				n = uint64(len(remaining))
			}
			chunk, err := f.fs.store.getChunk(conn, f.ino, idx)
			if err != nil {
				return err
			}
			zeroExpandChunk(&chunk, chunkSize)
			copy(chunk[within:within+n], remaining)
			if err := f.fs.store.putChunk(conn, f.ino, idx, zeroTrimChunk(chunk)); err != nil {
				return err
			}
			currentOffset += n
			remaining = remaining[n:]
		}

		for len(remaining) > 0 {
			idx := currentOffset / chunkSize
			if uint64(len(remaining)) >= chunkSize {
				if err := f.fs.store.putChunk(conn, f.ino, idx, zeroTrimChunk(remaining[:chunkSize])); err != nil {
					return err
				}
				currentOffset += chunkSize
				remaining = remaining[chunkSize:]
			} else {
				chunk, err := f.fs.store.getChunk(conn, f.ino, idx)
				if err != nil {
					return err
				}
				zeroExpandChunk(&chunk, chunkSize)
				copy(chunk, remaining)
				if err := f.fs.store.putChunk(conn, f.ino, idx, zeroTrimChunk(chunk)); err != nil {
					return err
				}
				currentOffset += uint64(len(remaining))
				remaining = nil
			}
		}

		nWritten = currentOffset - offset
		if stat.Size < offset+nWritten {
			stat.Size = offset + nWritten
		}
		stat.SetMtime(time.Now())
		return f.fs.store.updateStat(conn, stat)
	})
	if err != nil {
		return 0, err
	}
	f.fs.notifyHooks(ev)
	return uint32(nWritten), nil
}

func (f *storeFile) ReadData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	if len(buf) > MAX_IO {
		buf = buf[:MAX_IO]
	}

	chunkSize := f.fs.store.chunkSize
	var nRead uint64

	err := f.fs.store.readTx(ctx, func(conn *sqlite.Conn) error {
		stat, err := f.fs.store.getStat(conn, f.ino)
		if err != nil {
			return err
		}
		if stat.Mode&S_IFMT != S_IFREG {
			return ErrInvalid
		}
		if offset >= stat.Size {
			return io.EOF
		}

		currentOffset := offset
		remaining := buf

		// Clamp to the end of the file.
		if stat.Size < currentOffset+uint64(len(remaining)) {
			remaining = remaining[:stat.Size-currentOffset]
		}

		for len(remaining) > 0 {
			idx := currentOffset / chunkSize
			within := currentOffset % chunkSize
			n := chunkSize - within
			if n > uint64(len(remaining)) {
				n = uint64(len(remaining))
			}
			chunk, err := f.fs.store.getChunk(conn, f.ino, idx)
			if err != nil {
				return err
			}
			if chunk == nil {
				// Sparse read.
				for i := uint64(0); i < n; i++ {
					remaining[i] = 0
				}
			} else {
				zeroExpandChunk(&chunk, chunkSize)
				copy(remaining[:n], chunk[within:within+n])
			}
			currentOffset += n
			remaining = remaining[n:]
		}

		nRead = currentOffset - offset
		return nil
	})
	if err != nil && err != io.EOF {
		return 0, err
	}
	return uint32(nRead), err
}

func (f *storeFile) Fsync(ctx context.Context) error {
	return f.fs.Fsync(ctx)
}

func (f *storeFile) Close() error {
	if f.closed {
		return nil
	}
	f.closed = true
	return f.fs.releaseHandle(context.Background(), f.ino)
}

// readOnlyFile wraps a handle and rejects writes.
type readOnlyFile struct {
	inner File
}

func (f *readOnlyFile) WriteData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	return 0, ErrReadOnly
}

func (f *readOnlyFile) ReadData(ctx context.Context, buf []byte, offset uint64) (uint32, error) {
	return f.inner.ReadData(ctx, buf, offset)
}

func (f *readOnlyFile) Fsync(ctx context.Context) error { return nil }

func (f *readOnlyFile) Close() error { return f.inner.Close() }
