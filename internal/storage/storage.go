// Package storage manages the on-disk file layout of the assembled
// payload: sparse-file allocation, piece-aligned writes that may span
// multiple files, and cached reads for serving outbound Piece replies
// (spec §6 "Persisted state"; teacher engine/storage.go).
package storage

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/mindsgn-studio/swarmline/internal/metainfo"
)

// flushThreshold is the number of buffered pieces that triggers a flush to
// disk, matching the teacher's every-10-pieces cadence.
const flushThreshold = 10

// Store owns the file handles backing one swarm's payload.
type Store struct {
	info *metainfo.Info
	root string

	files []*os.File

	bufferMu sync.Mutex
	buffer   map[uint32][]byte

	cacheMu sync.RWMutex
	cache   map[uint32][]byte
}

// Open allocates (or reopens) sparse files under root for info, creating
// directories as needed.
func Open(info *metainfo.Info, root string) (*Store, error) {
	s := &Store{
		info:   info,
		root:   root,
		buffer: make(map[uint32][]byte),
		cache:  make(map[uint32][]byte),
	}

	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("storage: create download directory: %w", err)
	}

	if info.MultiFile() {
		if err := s.allocateMultiFile(); err != nil {
			return nil, err
		}
	} else {
		if err := s.allocateSingleFile(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) allocateSingleFile() error {
	filePath := filepath.Join(s.root, s.info.Name)
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("storage: create file: %w", err)
	}
	if err := file.Truncate(s.info.Length); err != nil {
		file.Close()
		return fmt.Errorf("storage: allocate file: %w", err)
	}
	s.files = []*os.File{file}
	return nil
}

func (s *Store) allocateMultiFile() error {
	baseDir := filepath.Join(s.root, s.info.Name)
	for _, fi := range s.info.Files {
		pathParts := append([]string{baseDir}, fi.Path...)
		filePath := filepath.Join(pathParts...)

		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			return fmt.Errorf("storage: create directory: %w", err)
		}
		file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return fmt.Errorf("storage: create file: %w", err)
		}
		if err := file.Truncate(fi.Length); err != nil {
			file.Close()
			return fmt.Errorf("storage: allocate file: %w", err)
		}
		s.files = append(s.files, file)
	}
	return nil
}

// WritePiece buffers a verified piece's bytes for disk write, caching it
// immediately so it can be served to other peers before the flush lands.
func (s *Store) WritePiece(index uint32, data []byte) error {
	s.bufferMu.Lock()
	s.buffer[index] = data
	shouldFlush := len(s.buffer) >= flushThreshold
	s.bufferMu.Unlock()

	s.cacheMu.Lock()
	s.cache[index] = data
	s.cacheMu.Unlock()

	if shouldFlush {
		return s.Flush()
	}
	return nil
}

// Flush writes every buffered piece to disk.
func (s *Store) Flush() error {
	s.bufferMu.Lock()
	defer s.bufferMu.Unlock()

	for index, data := range s.buffer {
		if err := s.writePieceToDisk(index, data); err != nil {
			return err
		}
		delete(s.buffer, index)
	}
	return nil
}

func (s *Store) writePieceToDisk(index uint32, data []byte) error {
	offset := int64(index) * s.info.PieceLength
	if !s.info.MultiFile() {
		_, err := s.files[0].WriteAt(data, offset)
		return err
	}
	return s.spanFiles(offset, data, (*os.File).WriteAt)
}

// ReadPiece returns a piece's bytes, from the write-through cache if
// present, otherwise from disk with a digest re-verification.
func (s *Store) ReadPiece(index uint32) ([]byte, error) {
	s.cacheMu.RLock()
	if cached, ok := s.cache[index]; ok {
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	length := s.pieceLengthAt(index)
	offset := int64(index) * s.info.PieceLength
	data := make([]byte, length)

	if !s.info.MultiFile() {
		if _, err := s.files[0].ReadAt(data, offset); err != nil && err != io.EOF {
			return nil, err
		}
	} else {
		if err := s.spanFilesRead(offset, data); err != nil {
			return nil, err
		}
	}

	hash := sha1.Sum(data)
	if hash != s.info.Pieces[index] {
		return nil, fmt.Errorf("storage: piece %d hash verification failed", index)
	}
	return data, nil
}

// spanFiles writes data starting at the global payload offset, across
// however many of the multi-file torrent's files it touches.
func (s *Store) spanFiles(offset int64, data []byte, op func(*os.File, []byte, int64) (int, error)) error {
	var currentOffset int64
	remaining := data
	for fileIndex, fi := range s.info.Files {
		fileEnd := currentOffset + fi.Length
		if offset < fileEnd {
			fileOffset := offset - currentOffset
			writeLen := fi.Length - fileOffset
			if int64(len(remaining)) < writeLen {
				writeLen = int64(len(remaining))
			}
			if _, err := op(s.files[fileIndex], remaining[:writeLen], fileOffset); err != nil {
				return err
			}
			remaining = remaining[writeLen:]
			offset += writeLen
			if len(remaining) == 0 {
				break
			}
		}
		currentOffset = fileEnd
	}
	return nil
}

func (s *Store) spanFilesRead(offset int64, data []byte) error {
	var currentOffset int64
	remaining := data
	for fileIndex, fi := range s.info.Files {
		fileEnd := currentOffset + fi.Length
		if offset < fileEnd {
			fileOffset := offset - currentOffset
			readLen := fi.Length - fileOffset
			if int64(len(remaining)) < readLen {
				readLen = int64(len(remaining))
			}
			if _, err := s.files[fileIndex].ReadAt(remaining[:readLen], fileOffset); err != nil && err != io.EOF {
				return err
			}
			remaining = remaining[readLen:]
			offset += readLen
			if len(remaining) == 0 {
				break
			}
		}
		currentOffset = fileEnd
	}
	return nil
}

func (s *Store) pieceLengthAt(index uint32) int64 {
	return s.info.PieceLengthAt(int(index))
}

// Close flushes buffered writes and closes every file handle.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
