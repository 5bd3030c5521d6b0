// Package checksums computes file checksums and converts them to and from
// the typed header form ("MD5:<hex>") stored in the journal and sent to the
// server.
package checksums

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/dmitrijs2005/bulksync/internal/filex"
)

// Checksum type names as they appear in headers and capability lists.
const (
	TypeMD5    = "MD5"
	TypeSHA1   = "SHA1"
	TypeSHA256 = "SHA256"
)

// MakeHeader builds the typed header form "TYPE:hexdigest". An empty type
// yields an empty header.
func MakeHeader(checksumType, digest string) string {
	if checksumType == "" || digest == "" {
		return ""
	}
	return checksumType + ":" + digest
}

// ParseHeader splits a typed header into type and digest. Both results are
// empty if the header is empty or malformed.
func ParseHeader(header string) (checksumType, digest string) {
	idx := strings.IndexByte(header, ':')
	if idx <= 0 || idx == len(header)-1 {
		return "", ""
	}
	return header[:idx], header[idx+1:]
}

func newHasher(checksumType string) (hash.Hash, error) {
	switch checksumType {
	case TypeMD5:
		return md5.New(), nil
	case TypeSHA1:
		return sha1.New(), nil
	case TypeSHA256:
		return sha256.New(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum type %q", checksumType)
	}
}

// Compute hashes the file at path with the given checksum type and returns
// the hex digest. An empty checksum type returns an empty digest without
// touching the file. The computation is pure: it reads the file and returns
// a value, so callers may fan it out to worker goroutines freely.
func Compute(ctx context.Context, fs *filex.FileSystem, path string, checksumType string) (string, error) {
	if checksumType == "" {
		return "", nil
	}

	h, err := newHasher(checksumType)
	if err != nil {
		return "", err
	}

	f, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", fmt.Errorf("read %s: %w", path, rerr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
