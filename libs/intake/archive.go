package intake

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"
)

// BatchArchiveName is the file name batch uploads are sent under.
const BatchArchiveName = "batch_images.zip"

const maxArchiveEntries = 200

// BatchEntryName is the archive member name of the i-th selected file. The
// index prefix keeps duplicate file names apart and lets results be mapped
// back to the selection order.
func BatchEntryName(index int, name string) string {
	return fmt.Sprintf("image_%d_%s", index, name)
}

// BuildBatchArchive packs the files into a zip archive using BatchEntryName.
func BuildBatchArchive(files []File) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, f := range files {
		w, err := zw.Create(BatchEntryName(i, f.Name))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.Data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ArchiveImages lists the image members of a zip archive, keyed by member
// name. Directories, hidden files and non-images are skipped.
func ArchiveImages(data []byte) (map[string]File, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	out := make(map[string]File)
	for _, entry := range zr.File {
		if len(out) >= maxArchiveEntries {
			break
		}
		base := path.Base(entry.Name)
		if entry.FileInfo().IsDir() || strings.HasPrefix(base, ".") || strings.HasPrefix(entry.Name, "__MACOSX/") {
			continue
		}
		if entry.UncompressedSize64 > MaxFileBytes {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, MaxFileBytes+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
		}
		f, err := NewFile(base, content)
		if err != nil || !f.IsImage() {
			continue
		}
		out[base] = f
	}
	return out, nil
}
