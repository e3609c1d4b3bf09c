package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/Sumatoshi-tech/incbuild/pkg/target"
)

// Storage kinds of FileStampStorage.
const (
	KindFileStamps    = "stamps"
	KindLibraryStamps = "library-stamps"
)

// Stamp identifies the content of a file at the time it was last compiled.
type Stamp struct {
	Size    int64  `json:"size"`
	ModTime int64  `json:"mod_time"`
	Hash    string `json:"hash"`
}

// Matches reports whether info describes the same size and modification
// time. A match means the content does not need to be hashed again.
func (s Stamp) Matches(info os.FileInfo) bool {
	return s.Size == info.Size() && s.ModTime == info.ModTime().UnixNano()
}

// NewStamp reads the file at path and stamps its current content.
func NewStamp(path string) (Stamp, error) {
	file, err := os.Open(path)
	if err != nil {
		return Stamp{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Stamp{}, fmt.Errorf("stat %s: %w", path, err)
	}

	hasher := sha256.New()

	_, err = io.Copy(hasher, file)
	if err != nil {
		return Stamp{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return Stamp{
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
		Hash:    hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// FileStampProvider creates the source stamp storage.
var FileStampProvider = newStampProvider(KindFileStamps)

// LibraryStampProvider creates the library stamp storage.
var LibraryStampProvider = newStampProvider(KindLibraryStamps)

func newStampProvider(kind string) *Provider[*FileStampStorage] {
	return NewProvider(kind, func(ctx Context) (*FileStampStorage, error) {
		m, err := ctx.OpenMap()
		if err != nil {
			return nil, err
		}

		return &FileStampStorage{
			records:     newRecordMap[Stamp](m, ctx.Codec),
			relativizer: ctx.Relativizer,
		}, nil
	})
}

// FileStampStorage keeps the stamp of every file compiled for a target.
type FileStampStorage struct {
	records     *recordMap[Stamp]
	relativizer target.PathRelativizer
}

// FileStamps returns the source stamp storage of a target.
func (s *Store) FileStamps(t target.BuildTarget) (*FileStampStorage, error) {
	return GetStorage(s, t, FileStampProvider)
}

// Get returns the stamp recorded for path.
func (f *FileStampStorage) Get(path string) (Stamp, bool, error) {
	stamp, ok, err := f.records.get(f.relativizer.ToRelative(path))
	if err != nil || !ok {
		return Stamp{}, false, err
	}

	return *stamp, true, nil
}

// Save records the stamp of path.
func (f *FileStampStorage) Save(path string, stamp Stamp) {
	f.records.put(f.relativizer.ToRelative(path), &stamp)
}

// Update stamps the current content of path.
func (f *FileStampStorage) Update(path string) error {
	stamp, err := NewStamp(path)
	if err != nil {
		return err
	}

	f.Save(path, stamp)

	return nil
}

// Remove forgets path.
func (f *FileStampStorage) Remove(path string) {
	f.records.remove(f.relativizer.ToRelative(path))
}

// Paths lists every stamped path in absolute form.
func (f *FileStampStorage) Paths() ([]string, error) {
	keys, err := f.records.keys()
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, f.relativizer.ToAbsolute(key))
	}

	return paths, nil
}

// IsUpToDate reports whether the file at path still has the recorded stamp.
// Size and modification time are checked first; the content hash decides
// when they differ.
func (f *FileStampStorage) IsUpToDate(path string, info os.FileInfo) (bool, error) {
	stamp, ok, err := f.Get(path)
	if err != nil || !ok {
		return false, err
	}

	if stamp.Matches(info) {
		return true, nil
	}

	current, err := NewStamp(path)
	if err != nil {
		return false, err
	}

	return current.Hash == stamp.Hash, nil
}

// Flush implements Storage.
func (f *FileStampStorage) Flush(memoryCachesOnly bool) error {
	return f.records.flush(!memoryCachesOnly)
}

// Clean implements Storage.
func (f *FileStampStorage) Clean() error {
	return f.records.clean()
}

// Close implements Storage.
func (f *FileStampStorage) Close() error {
	return f.records.flush(true)
}
