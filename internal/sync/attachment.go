package sync

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/convsync/internal/model"
)

// prepareAttachment fills name, size and media type of a local attachment
// from the file itself. Remote attachments are returned as a copy.
func prepareAttachment(att *model.Attachment) (*model.Attachment, error) {
	if att == nil {
		return nil, nil
	}
	out := *att
	if out.URL == "" && out.LocalPath == "" {
		return nil, fmt.Errorf("attachment %q has no source: %w", out.Name, model.ErrEmptyMessage)
	}
	if !out.IsLocal() {
		return &out, nil
	}

	info, err := os.Stat(out.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("stat attachment: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("attachment %s is a directory", out.LocalPath)
	}
	out.Size = info.Size()
	if out.Name == "" {
		out.Name = filepath.Base(out.LocalPath)
	}
	if out.MediaType == "" {
		mt, err := mimetype.DetectFile(out.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("detect media type: %w", err)
		}
		out.MediaType = mt.String()
	}
	return &out, nil
}
