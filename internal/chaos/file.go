package chaos

import (
	"os"

	"github.com/yanun0323/errors"
)

// TruncateTail cuts n bytes off the end of a file, as a crash in the middle of a write would.
func TruncateTail(path string, n int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if n < 0 || n > info.Size() {
		return errors.Errorf("truncate %d bytes of %s: file has %d", n, path, info.Size())
	}
	return os.Truncate(path, info.Size()-n)
}

// FlipByte inverts every bit of the byte at pos.
func FlipByte(path string, pos int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], pos); err != nil {
		return errors.Wrapf(err, "read byte %d of %s", pos, path)
	}
	b[0] = ^b[0]
	if _, err := f.WriteAt(b[:], pos); err != nil {
		return errors.Wrapf(err, "write byte %d of %s", pos, path)
	}
	return f.Sync()
}

// AppendGarbage writes raw bytes at the end of a file, as a torn record would leave.
func AppendGarbage(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
