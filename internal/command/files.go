package command

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/adamavenir/threadline/internal/core"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/dustin/go-humanize"
)

// fileRef describes a local file for attaching to a draft.
func fileRef(path string) (types.FileRef, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return types.FileRef{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return types.FileRef{}, err
	}
	if info.IsDir() {
		return types.FileRef{}, fmt.Errorf("%s is a directory", path)
	}
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(abs)))
	return types.FileRef{
		ID:       core.NewID(),
		Path:     abs,
		Name:     filepath.Base(abs),
		MimeType: mimeType,
		Kind:     kindOf(mimeType),
		Size:     info.Size(),
	}, nil
}

func kindOf(mimeType string) types.AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return types.AttachmentImage
	case strings.HasPrefix(mimeType, "video/"):
		return types.AttachmentVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return types.AttachmentAudio
	}
	return types.AttachmentFile
}

func formatSize(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}
