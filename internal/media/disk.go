package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/estvita/openbridge/internal/crm"
	"github.com/estvita/openbridge/internal/store"
)

// DiskUploader pushes staged files into the CRM's disk storage and resolves
// a durable external link. Used for attachments that must outlive the signed
// temp URL, such as system and echo messages.
type DiskUploader struct {
	logger *slog.Logger
	crm    crm.Caller
	files  *Service
}

// NewDiskUploader wires a DiskUploader on top of the CRM gateway.
func NewDiskUploader(log *slog.Logger, caller crm.Caller, files *Service) *DiskUploader {
	if log == nil {
		log = slog.Default()
	}
	return &DiskUploader{
		logger: log.With(slog.String("service", "disk_uploader")),
		crm:    caller,
		files:  files,
	}
}

// Upload pushes a staged file into the installation's app storage and
// returns the external download link.
func (u *DiskUploader) Upload(ctx context.Context, installation store.AppInstallation, staged Staged) (string, error) {
	f, err := u.files.Open(Resolved{Path: filepath.Join(u.files.dir, staged.Key)})
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("read staged file: %w", err)
	}

	storage, err := u.crm.Call(ctx, installation, crm.MethodDiskGetForApp, nil, crm.CallOptions{Background: true})
	if err != nil {
		return "", fmt.Errorf("resolve app storage: %w", err)
	}
	storageID := storage.Sub("result").Int("ID")
	if storageID == 0 {
		return "", fmt.Errorf("resolve app storage: no storage id in response")
	}

	name := staged.Name
	if name == "" {
		name = staged.Key
	}
	uploaded, err := u.crm.Call(ctx, installation, crm.MethodDiskUploadFile, map[string]any{
		"id":          storageID,
		"data":        map[string]any{"NAME": name},
		"fileContent": []string{name, base64.StdEncoding.EncodeToString(data)},
	}, crm.CallOptions{Background: true})
	if err != nil {
		return "", fmt.Errorf("upload to disk: %w", err)
	}
	fileID := uploaded.Sub("result").Int("ID")
	if fileID == 0 {
		return "", fmt.Errorf("upload to disk: no file id in response")
	}

	link, err := u.crm.Call(ctx, installation, crm.MethodDiskExternalLink, map[string]any{
		"id": fileID,
	}, crm.CallOptions{Background: true})
	if err != nil {
		return "", fmt.Errorf("resolve external link: %w", err)
	}
	// The external-link call returns the URL directly as its result.
	if url := link.String("result"); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("resolve external link: empty link in response")
}
