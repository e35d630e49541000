// Package intake normalizes the different ways images reach the analyzer
// (file picker, folder selection, drag-and-drop, clipboard paste) into one
// upload description.
package intake

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// MaxFileBytes caps a single uploaded file.
const MaxFileBytes = 25 * 1024 * 1024

// Mode selects how the upload is sent for analysis.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModeMultiple Mode = "multiple"
	ModeZip      Mode = "zip"
)

// Source is where the files came from.
type Source string

const (
	SourcePicker Source = "picker"
	SourceFolder Source = "folder"
	SourceDrop   Source = "drop"
	SourcePaste  Source = "paste"
)

var (
	ErrNoFiles        = errors.New("please select an image to analyze")
	ErrNoImages       = errors.New("no image files found in selection")
	ErrFileTooLarge   = errors.New("file exceeds upload size limit")
	ErrInvalidArchive = errors.New("file is not a valid zip archive")
	ErrInvalidPaste   = errors.New("clipboard content is not an image")
)

// File is one uploaded file held in memory.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// IsImage reports whether the sniffed content type is an image.
func (f File) IsImage() bool {
	return strings.HasPrefix(f.ContentType, "image/")
}

// IsZipName reports whether the file name carries a .zip extension.
func (f File) IsZipName() bool {
	return strings.HasSuffix(strings.ToLower(f.Name), ".zip")
}

// Upload is a normalized selection ready for analysis.
type Upload struct {
	Mode  Mode
	Files []File
}

// NewFile sniffs the content type of data and builds a File.
func NewFile(name string, data []byte) (File, error) {
	if len(data) > MaxFileBytes {
		return File{}, fmt.Errorf("%s: %w", name, ErrFileTooLarge)
	}
	return File{
		Name:        path.Base(strings.ReplaceAll(name, "\\", "/")),
		ContentType: mimetype.Detect(data).String(),
		Data:        data,
	}, nil
}

// Normalize decides the upload mode for a selection. A lone .zip file is
// sent as an archive; otherwise only images are kept, and more than one
// image becomes a batch.
func Normalize(source Source, files []File) (Upload, error) {
	if len(files) == 0 {
		return Upload{}, ErrNoFiles
	}

	if source != SourcePaste && len(files) == 1 && files[0].IsZipName() {
		if mimetype.Detect(files[0].Data).Is("application/zip") {
			return Upload{Mode: ModeZip, Files: files}, nil
		}
		return Upload{}, ErrInvalidArchive
	}

	images := make([]File, 0, len(files))
	for _, f := range files {
		if f.IsImage() {
			images = append(images, f)
		}
	}
	if len(images) == 0 {
		if source == SourcePaste {
			return Upload{}, ErrInvalidPaste
		}
		return Upload{}, ErrNoImages
	}
	if source == SourcePaste {
		images = images[:1]
	}

	if len(images) > 1 {
		return Upload{Mode: ModeMultiple, Files: images}, nil
	}
	return Upload{Mode: ModeSingle, Files: images}, nil
}

// FromMultipart reads every file of the given form fields.
func FromMultipart(form *multipart.Form, fields ...string) ([]File, error) {
	if form == nil {
		return nil, nil
	}
	var out []File
	for _, field := range fields {
		for _, header := range form.File[field] {
			if header.Size > MaxFileBytes {
				return nil, fmt.Errorf("%s: %w", header.Filename, ErrFileTooLarge)
			}
			file, err := header.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(io.LimitReader(file, MaxFileBytes+1))
			file.Close()
			if err != nil {
				return nil, err
			}
			f, err := NewFile(header.Filename, data)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// FromDataURL decodes a pasted image of the form data:image/png;base64,....
func FromDataURL(raw string, now time.Time) (File, error) {
	header, payload, ok := strings.Cut(strings.TrimPrefix(strings.TrimSpace(raw), "data:"), ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return File{}, ErrInvalidPaste
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return File{}, ErrInvalidPaste
	}
	mt := mimetype.Detect(data)
	if !strings.HasPrefix(mt.String(), "image/") {
		return File{}, ErrInvalidPaste
	}
	name := fmt.Sprintf("pasted-image-%d%s", now.UnixMilli(), mt.Extension())
	return NewFile(name, data)
}
