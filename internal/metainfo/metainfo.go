// Package metainfo parses .torrent files: bencoded dictionaries yielding the
// announce URL(s), piece length, piece digests, and file layout that the
// core engine treats as a read-only collaborator (spec §3, §6).
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"os"

	"github.com/mindsgn-studio/swarmline/internal/bencode"
)

// Info is the parsed "info" dictionary plus the announce metadata that sits
// alongside it in the top-level torrent dict.
type Info struct {
	Announce     string     // primary tracker URL
	AnnounceList [][]string // tiered tracker list (BEP 12)

	Name        string     // suggested filename / directory name
	PieceLength int64      // bytes per piece, except possibly the last
	Pieces      [][20]byte // SHA-1 digest of every piece, in order
	Length      int64      // single-file mode; 0 when multi-file
	Files       []FileInfo // multi-file mode; empty when single-file

	InfoHash [20]byte // SHA-1 over the canonical bencoded info dict
}

// FileInfo describes one file within a multi-file torrent.
type FileInfo struct {
	Path   []string
	Length int64
}

// Parse reads and decodes the .torrent file at path.
func Parse(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read %s: %w", path, err)
	}
	return Decode(data)
}

// Decode parses the raw bencoded bytes of a .torrent file.
func Decode(data []byte) (*Info, error) {
	root, err := bencode.NewDecoder(data).Decode()
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	rootDict, ok := root.(bencode.Dict)
	if !ok {
		return nil, errors.New("metainfo: root value must be a dictionary")
	}

	info := &Info{}

	if announce, ok := rootDict["announce"].(bencode.String); ok {
		info.Announce = string(announce)
	}

	if announceList, ok := rootDict["announce-list"].(bencode.List); ok {
		for _, tier := range announceList {
			tierList, ok := tier.(bencode.List)
			if !ok {
				continue
			}
			var urls []string
			for _, u := range tierList {
				if s, ok := u.(bencode.String); ok {
					urls = append(urls, string(s))
				}
			}
			if len(urls) > 0 {
				info.AnnounceList = append(info.AnnounceList, urls)
			}
		}
	}

	infoVal, ok := rootDict["info"]
	if !ok {
		return nil, errors.New("metainfo: missing info dictionary")
	}

	// The info-hash is SHA-1 over the canonical (sorted-key) re-encoding of
	// the info dict, not over a slice of the original bytes: Dict.Encode
	// always produces the canonical form, so this is stable regardless of
	// key order in the source file.
	info.InfoHash = sha1.Sum(infoVal.Encode())

	infoDict, ok := infoVal.(bencode.Dict)
	if !ok {
		return nil, errors.New("metainfo: info value must be a dictionary")
	}

	if err := parseInfoDict(info, infoDict); err != nil {
		return nil, err
	}

	return info, nil
}

func parseInfoDict(info *Info, dict bencode.Dict) error {
	if name, ok := dict["name"].(bencode.String); ok {
		info.Name = string(name)
	}

	pieceLength, ok := dict["piece length"].(bencode.Int)
	if !ok {
		return errors.New("metainfo: missing piece length")
	}
	if pieceLength <= 0 {
		return errors.New("metainfo: piece length must be positive")
	}
	info.PieceLength = int64(pieceLength)

	piecesStr, ok := dict["pieces"].(bencode.String)
	if !ok {
		return errors.New("metainfo: missing pieces")
	}
	if len(piecesStr)%20 != 0 {
		return errors.New("metainfo: pieces length must be a multiple of 20")
	}
	numPieces := len(piecesStr) / 20
	info.Pieces = make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(info.Pieces[i][:], piecesStr[i*20:(i+1)*20])
	}

	if length, ok := dict["length"].(bencode.Int); ok {
		if length < 0 {
			return errors.New("metainfo: negative length")
		}
		info.Length = int64(length)
		return nil
	}

	filesVal, ok := dict["files"].(bencode.List)
	if !ok {
		return errors.New("metainfo: torrent must have either length or files")
	}
	for _, fileVal := range filesVal {
		fileDict, ok := fileVal.(bencode.Dict)
		if !ok {
			return errors.New("metainfo: file entry must be a dictionary")
		}
		var fi FileInfo
		if length, ok := fileDict["length"].(bencode.Int); ok {
			fi.Length = int64(length)
		}
		if pathList, ok := fileDict["path"].(bencode.List); ok {
			for _, part := range pathList {
				if s, ok := part.(bencode.String); ok {
					fi.Path = append(fi.Path, string(s))
				}
			}
		}
		info.Files = append(info.Files, fi)
	}
	return nil
}

// TotalLength returns the sum of all file lengths.
func (info *Info) TotalLength() int64 {
	if info.Length > 0 {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

// NumPieces returns the piece count.
func (info *Info) NumPieces() int {
	return len(info.Pieces)
}

// MultiFile reports whether this torrent describes multiple files.
func (info *Info) MultiFile() bool {
	return info.Length == 0 && len(info.Files) > 0
}

// PieceLengthAt returns the exact byte length of piece index, accounting for
// a possibly-shorter final piece.
func (info *Info) PieceLengthAt(index int) int64 {
	total := info.TotalLength()
	end := int64(index+1) * info.PieceLength
	if end > total {
		return total - int64(index)*info.PieceLength
	}
	return info.PieceLength
}
