package remote

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"urbanlens/libs/issues"
)

const (
	singleImageField = "image"
	batchZipField    = "zip_file"
)

// AnalyzeResponse is the result of analyzing one image. The service may
// report an explicit location or one it extracted from image metadata.
type AnalyzeResponse struct {
	ID                    string              `json:"id"`
	Filename              string              `json:"filename,omitempty"`
	Success               *bool               `json:"success,omitempty"`
	Error                 string              `json:"error,omitempty"`
	Analysis              *issues.Analysis    `json:"analysis"`
	Location              *issues.RawLocation `json:"location,omitempty"`
	ExtractedLocationData *issues.RawLocation `json:"extracted_location_data,omitempty"`
}

// Succeeded reports whether the entry carries a usable analysis. Single
// analyses omit the success flag.
func (r AnalyzeResponse) Succeeded() bool {
	if r.Success != nil {
		return *r.Success
	}
	return r.Analysis != nil
}

// ResolvedLocation prefers the explicit location over the extracted one.
func (r AnalyzeResponse) ResolvedLocation() *issues.Location {
	if loc := r.Location.Normalize(); loc != nil {
		return loc
	}
	return r.ExtractedLocationData.Normalize()
}

// BatchResponse holds one entry per archive member.
type BatchResponse struct {
	Results []AnalyzeResponse `json:"results"`
}

// Analyze uploads a single image for classification.
func (c *Client) Analyze(ctx context.Context, filename, contentType string, data []byte) (*AnalyzeResponse, error) {
	body, formType, err := multipartBody(singleImageField, filename, contentType, data)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "analyze", Err: err}
	}
	req := request{
		op:          "analyze",
		method:      http.MethodPost,
		path:        "/analyze",
		body:        body,
		contentType: formType,
		fallback:    "Server error",
	}
	var out AnalyzeResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeBatch uploads a zip archive of images for classification.
func (c *Client) AnalyzeBatch(ctx context.Context, filename string, archive []byte) (*BatchResponse, error) {
	body, formType, err := multipartBody(batchZipField, filename, "application/zip", archive)
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Op: "analyze batch", Err: err}
	}
	req := request{
		op:          "analyze batch",
		method:      http.MethodPost,
		path:        "/analyze/batch",
		body:        body,
		contentType: formType,
		fallback:    "Server error",
	}
	var out BatchResponse
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func multipartBody(field, filename, contentType string, data []byte) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return buf, writer.FormDataContentType(), nil
}
