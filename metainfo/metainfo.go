// Package metainfo decodes .torrent metainfo files: the bencoded dictionary
// describing a tracker announce URL, piece layout, and file manifest.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

const HashLen = 20

// ErrBadPieces is returned when the info dictionary's pieces string is not a
// multiple of the 20-byte SHA-1 hash length.
var ErrBadPieces = errors.New("metainfo: pieces length is not a multiple of 20")

// Hashes is the concatenated per-piece SHA-1 hash string, split into
// individual 20-byte hashes on decode.
type Hashes [][HashLen]byte

func splitHashes(raw string) (Hashes, error) {
	buf := []byte(raw)
	if len(buf)%HashLen != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrBadPieces, len(buf))
	}
	n := len(buf) / HashLen
	hashes := make(Hashes, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], buf[i*HashLen:(i+1)*HashLen])
	}
	return hashes, nil
}

// File describes one entry of a multi-file torrent's file list.
type File struct {
	Length int
	Path   []string
}

// bencodeInfo mirrors the raw info dictionary. length and files are
// mutually exclusive: exactly one is present depending on whether the
// torrent describes a single file or a directory tree.
type bencodeInfo struct {
	Name        string        `bencode:"name"`
	PieceLength int           `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Length      int           `bencode:"length,omitempty"`
	Files       []bencodeFile `bencode:"files,omitempty"`
}

type bencodeFile struct {
	Length int      `bencode:"length"`
	Path   []string `bencode:"path"`
}

type bencodeMetainfo struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

// Info is the decoded info dictionary. IsMultiFile reports whether this is a
// single-file or multi-file torrent; Files is nil in the single-file case.
type Info struct {
	Name        string
	PieceLength int
	Pieces      Hashes
	// SingleLength is the file length for a single-file torrent; zero when
	// Files is non-empty.
	SingleLength int
	Files        []File
}

// IsMultiFile reports whether the torrent describes a directory of files
// rather than a single file.
func (i Info) IsMultiFile() bool {
	return len(i.Files) > 0
}

// Length is the total payload size: the single file's length, or the sum of
// every file's length in the multi-file case, matching how pieces are laid
// out by concatenating files in list order.
func (i Info) Length() int {
	if i.IsMultiFile() {
		total := 0
		for _, f := range i.Files {
			total += f.Length
		}
		return total
	}
	return i.SingleLength
}

// Metainfo is a parsed .torrent file: the tracker announce URL and the info
// dictionary describing pieces and the file layout.
type Metainfo struct {
	Announce string
	Info     Info
	// infoHash is computed once at decode time by re-encoding the decoded
	// info dictionary and hashing that encoding.
	infoHash [HashLen]byte
}

// InfoHash returns the SHA-1 of the bencoded info dictionary, used both as
// the tracker's info_hash parameter and the peer handshake's info hash.
func (m Metainfo) InfoHash() [HashLen]byte {
	return m.infoHash
}

// Parse reads a .torrent file from r and decodes its announce URL and info
// dictionary.
func Parse(r io.Reader) (*Metainfo, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metainfo: read: %w", err)
	}

	var bm bencodeMetainfo
	if err := bencode.Unmarshal(bytes.NewReader(raw), &bm); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	pieces, err := splitHashes(bm.Info.Pieces)
	if err != nil {
		return nil, err
	}

	info := Info{
		Name:        bm.Info.Name,
		PieceLength: bm.Info.PieceLength,
		Pieces:      pieces,
	}
	if len(bm.Info.Files) > 0 {
		for _, f := range bm.Info.Files {
			info.Files = append(info.Files, File{Length: f.Length, Path: f.Path})
		}
	} else {
		info.SingleLength = bm.Info.Length
	}

	// The info hash is the SHA-1 of the info dictionary's own bencoding,
	// not of the whole file, so re-encode just that sub-value.
	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, bm.Info); err != nil {
		return nil, fmt.Errorf("metainfo: re-encode info: %w", err)
	}

	return &Metainfo{
		Announce: bm.Announce,
		Info:     info,
		infoHash: sha1.Sum(infoBuf.Bytes()),
	}, nil
}

// NumPieces returns the number of pieces described by the info dictionary.
func (m Metainfo) NumPieces() int {
	return len(m.Info.Pieces)
}

// PieceLength returns the length in bytes of piece i, accounting for the
// final piece being shorter than PieceLength when the total length isn't an
// exact multiple.
func (m Metainfo) PieceLength(i int) int {
	begin := i * m.Info.PieceLength
	end := begin + m.Info.PieceLength
	total := m.Info.Length()
	if end > total {
		end = total
	}
	return end - begin
}

// Files returns the file manifest, synthesizing a single-entry list named
// after Info.Name when this is a single-file torrent.
func (m Metainfo) Files() []File {
	if m.Info.IsMultiFile() {
		return m.Info.Files
	}
	return []File{{Length: m.Info.SingleLength, Path: []string{m.Info.Name}}}
}
