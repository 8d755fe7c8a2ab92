package escalation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/lexcodex/auditia/framework"
	"github.com/lexcodex/auditia/ingest"
)

// UploadRequest carries one uploaded file.
type UploadRequest struct {
	ClientID  string
	SessionID string
	FileName  string
	// Size is the declared size; the stored size is checked again.
	Size      int64
	Content   io.Reader
	ModelType string
	// AgentType forces a tier; empty or "team" dispatches normally.
	AgentType string
}

// UploadResponse is the tier reply plus where the file was stored.
type UploadResponse struct {
	*Response
	FileID     string `json:"file_id"`
	FileName   string `json:"file_name"`
	StoredPath string `json:"-"`
	Size       int64  `json:"size"`
}

// Upload validates and stores a file, extracts its text and sends the
// analysis prompt through the normal handling path.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResponse, error) {
	ref := framework.CaseRef{ClientID: req.ClientID, SessionID: req.SessionID}
	if ref.SessionID == "" {
		ref.SessionID = framework.NewSessionID()
	}
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	tier, forced, err := framework.ParseTier(req.AgentType)
	if err != nil {
		return nil, err
	}
	if !forced {
		tier = ""
	}
	name := filepath.Base(req.FileName)
	ext, err := ingest.Validate(name, req.Size)
	if err != nil {
		s.fileError(ctx, ref, name, err)
		return nil, err
	}
	fileID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	path, size, err := s.storeUpload(ref.ClientID, fileID+ext, req.Content)
	if err != nil {
		s.fileError(ctx, ref, name, err)
		return nil, err
	}
	s.recordEvent(ctx, ref, agentLabel(tier), framework.AuditFileUpload, framework.ImportanceHigh, map[string]interface{}{
		"session_id": ref.SessionID,
		"file_name":  name,
		"file_id":    fileID,
		"file_type":  ext,
		"file_size":  size,
		"model_used": req.ModelType,
	})

	content, err := ingest.Extract(path, ext)
	if err != nil {
		s.fileError(ctx, ref, name, err)
		content = fmt.Sprintf("Error al procesar el archivo: %v", err)
	}
	prompt := UploadPrompt(name, ext, size, ingest.Truncate(content, ingest.MaxPromptChars))
	resp, err := s.handle(ctx, Request{
		ClientID:  ref.ClientID,
		SessionID: ref.SessionID,
		Message:   prompt,
		ModelType: req.ModelType,
		Tier:      tier,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResponse{
		Response:   resp,
		FileID:     fileID,
		FileName:   name,
		StoredPath: path,
		Size:       size,
	}, nil
}

// storeUpload writes content to uploads/{client}/{file}, enforcing the size
// limit on the bytes actually received.
func (s *Service) storeUpload(clientID, fileName string, content io.Reader) (string, int64, error) {
	if content == nil {
		return "", 0, errors.New("upload has no content")
	}
	root := s.uploadDir
	if root == "" {
		root = "uploads"
	}
	dir := filepath.Join(root, clientID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, err
	}
	path := filepath.Join(dir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, io.LimitReader(content, ingest.MaxFileSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && n > ingest.MaxFileSize {
		err = fmt.Errorf("%w. Límite: %dMB.", ingest.ErrTooLarge, ingest.MaxFileSize/(1024*1024))
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return path, n, nil
}

func (s *Service) fileError(ctx context.Context, ref framework.CaseRef, name string, err error) {
	s.logger.Warn().Err(err).Str("client_id", ref.ClientID).Str("file", name).Msg("upload rejected")
	s.recordEvent(ctx, ref, agentLabel(""), framework.AuditFileError, framework.ImportanceHigh, map[string]interface{}{
		"session_id": ref.SessionID,
		"file_name":  name,
		"error":      err.Error(),
	})
}

func agentLabel(tier framework.Tier) string {
	if tier == "" {
		return "team_agent"
	}
	return tier.AgentName()
}
