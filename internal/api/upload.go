package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/adamavenir/threadline/internal/types"
)

// Chunk is one slice of a file upload.
type Chunk struct {
	JobID        string
	ThreadID     string
	ClientTempID string
	FileName     string
	MimeType     string
	Offset       int64
	TotalSize    int64
	Final        bool
	Data         []byte
}

type chunkResponse struct {
	Attachment *types.Attachment `json:"attachment"`
	Received   int64             `json:"received"`
}

// UploadChunk posts one chunk as multipart form data. The response to the
// final chunk carries the attachment descriptor.
func (c *Client) UploadChunk(ctx context.Context, path string, chunk Chunk) (*types.Attachment, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"jobId", chunk.JobID},
		{"threadId", chunk.ThreadID},
		{"clientTempId", chunk.ClientTempID},
		{"fileName", chunk.FileName},
		{"mimeType", chunk.MimeType},
		{"offset", strconv.FormatInt(chunk.Offset, 10)},
		{"totalSize", strconv.FormatInt(chunk.TotalSize, 10)},
		{"final", strconv.FormatBool(chunk.Final)},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, err
		}
	}
	part, err := w.CreateFormFile("file", chunk.FileName)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(chunk.Data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodPost, path, w.FormDataContentType(), &buf)
	if err != nil {
		return nil, err
	}
	if !chunk.Final {
		return nil, nil
	}
	var resp chunkResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, fmt.Errorf("decode upload response: %w", err)
		}
	}
	if resp.Attachment == nil {
		return nil, fmt.Errorf("upload %s: final chunk response has no attachment", chunk.JobID)
	}
	return resp.Attachment, nil
}
