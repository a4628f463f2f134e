// Package storage implements the on disk representation of the blockchain
// as a single append only file of canonically serialized blocks. There is
// no header and no index: load replays the file from genesis.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ferrumchain/ferrum/foundation/blockchain/database"
	"github.com/ferrumchain/ferrum/foundation/blockchain/wire"
)

// File implements the database.Storage interface over one flat file.
type File struct {
	path string
}

// NewFile constructs the storage, creating the file's directory
// when needed.
func NewFile(path string) (*File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	return &File{path: path}, nil
}

// Append adds one block to the end of the file.
func (f *File) Append(block database.Block) error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Write(wire.Encode(block)); err != nil {
		return err
	}

	return file.Sync()
}

// Rewrite replaces the whole file with the specified blocks. The write
// goes to a temp file first and lands with a rename so a crash can never
// leave a half written chain behind.
func (f *File) Rewrite(blocks []database.Block) error {
	tmp := f.path + ".tmp"

	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	for _, block := range blocks {
		if _, err := file.Write(wire.Encode(block)); err != nil {
			file.Close()
			os.Remove(tmp)
			return err
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	return os.Rename(tmp, f.path)
}

// ForEach returns an iterator over the persisted blocks.
func (f *File) ForEach() database.Iterator {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &fileIterator{done: true}
		}
		return &fileIterator{err: err}
	}

	return &fileIterator{reader: wire.NewReader(data), done: len(data) == 0}
}

// Close has nothing to hold open between operations.
func (f *File) Close() error {
	return nil
}

// fileIterator decodes blocks one at a time from the loaded file bytes.
type fileIterator struct {
	reader *wire.Reader
	done   bool
	err    error
}

// Next decodes the next block from the file.
func (it *fileIterator) Next() (database.Block, error) {
	if it.err != nil {
		return database.Block{}, it.err
	}
	if it.done {
		return database.Block{}, fmt.Errorf("storage: iterate past end of chain")
	}

	var block database.Block
	if err := block.UnmarshalFrom(it.reader); err != nil {
		it.err = err
		return database.Block{}, err
	}

	if it.reader.Remaining() == 0 {
		it.done = true
	}

	return block, nil
}

// Done reports the end of the persisted chain. It stays false after a
// decode failure so the caller observes the error from Next.
func (it *fileIterator) Done() bool {
	return it.done && it.err == nil
}
