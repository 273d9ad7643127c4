package accountdir

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
)

// Codec turns one record into one line and back.
type Codec[T any] struct {
	Parse  func(line string) (T, error)
	Format func(rec T) string
}

var (
	UserCodec       = Codec[User]{Parse: ParseUser, Format: FormatUser}
	GroupCodec      = Codec[Group]{Parse: ParseGroup, Format: FormatGroup}
	CredentialCodec = Codec[Credential]{Parse: ParseCredential, Format: FormatCredential}
)

// Store is one colon-delimited file seen as an ordered list of records.
// Load takes the file's shared lock by itself; read and write expect the
// caller to hold the appropriate lock already.
type Store[T any] struct {
	path   string
	perm   os.FileMode
	codec  Codec[T]
	locker *Locker
}

func NewStore[T any](path string, perm os.FileMode, codec Codec[T], locker *Locker) *Store[T] {
	return &Store[T]{path: path, perm: perm, codec: codec, locker: locker}
}

func (s *Store[T]) Path() string { return s.path }

// Load returns every record under a shared lock.
func (s *Store[T]) Load(ctx context.Context) ([]T, error) {
	var recs []T
	err := s.locker.WithReadLock(ctx, s.path, func() error {
		var err error
		recs, err = s.read()
		return err
	})
	return recs, err
}

// Update runs fn on the current records under an exclusive lock and writes
// back whatever it returns.
func (s *Store[T]) Update(ctx context.Context, fn func([]T) ([]T, error)) error {
	return s.locker.WithWriteLock(ctx, s.path, func() error {
		recs, err := s.read()
		if err != nil {
			return err
		}
		next, err := fn(recs)
		if err != nil {
			return err
		}
		return s.write(next)
	})
}

// read parses the whole file. A missing file holds no records; blank lines
// are ignored.
func (s *Store[T]) read() ([]T, error) {
	data, err := s.readRaw()
	if err != nil {
		return nil, err
	}
	var recs []T
	for i, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := s.codec.Parse(line)
		if err != nil {
			var fe *FormatError
			if errors.As(err, &fe) {
				fe.Path, fe.Line = s.path, i+1
			}
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store[T]) readRaw() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, ioErr("read", s.path, err)
	}
	return data, nil
}

func (s *Store[T]) write(recs []T) error {
	var buf bytes.Buffer
	for _, r := range recs {
		buf.WriteString(s.codec.Format(r))
		buf.WriteByte('\n')
	}
	return s.writeRaw(buf.Bytes())
}

// writeRaw replaces the file, keeping the mode of the file it replaces.
func (s *Store[T]) writeRaw(data []byte) error {
	perm := s.perm
	if fi, err := os.Stat(s.path); err == nil {
		perm = fi.Mode().Perm()
	}
	return writeFileAtomic(s.path, data, perm, nil)
}

// snapshot returns a func that puts the file back the way it is now, or
// removes it if it does not exist yet.
func (s *Store[T]) snapshot() (func() error, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return func() error {
			if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return ioErr("remove", s.path, err)
			}
			return nil
		}, nil
	}
	if err != nil {
		return nil, ioErr("read", s.path, err)
	}
	return func() error { return s.writeRaw(data) }, nil
}
