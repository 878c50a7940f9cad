package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/BradenHooton/perimeter/internal/auth"
	"github.com/BradenHooton/perimeter/internal/models"
	"github.com/BradenHooton/perimeter/internal/services"
	pkghttp "github.com/BradenHooton/perimeter/pkg/http"
)

// multipartOverhead is the room left for boundaries and part headers on top
// of the file size limit.
const multipartOverhead = 64 << 10

// ContentChecker inspects uploaded bytes
type ContentChecker interface {
	Validate(data []byte, filename, contentType string) models.ValidationVerdict
}

// UploadHandler screens uploaded files before anything else sees them
type UploadHandler struct {
	checker  ContentChecker
	audit    services.EventLogger
	maxSize  int64
	ipConfig *pkghttp.IPConfig
}

// NewUploadHandler creates a new UploadHandler
func NewUploadHandler(checker ContentChecker, audit services.EventLogger, maxSize int64, ipConfig *pkghttp.IPConfig) *UploadHandler {
	return &UploadHandler{
		checker:  checker,
		audit:    audit,
		maxSize:  maxSize,
		ipConfig: ipConfig,
	}
}

// UploadResponse describes an accepted file
type UploadResponse struct {
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
}

// Upload validates the multipart field "file"
// @Summary Upload a file
// @Security BearerAuth
// @Accept multipart/form-data
// @Produce json
// @Success 201 {object} UploadResponse
// @Failure 400 {object} pkghttp.ErrorResponse
// @Failure 413 {object} pkghttp.ErrorResponse
// @Failure 422 {object} pkghttp.ErrorResponse
// @Router /uploads [post]
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	meta := requestMeta(r, h.ipConfig)
	actor := ""
	if claims := auth.GetUserFromContext(r); claims != nil {
		actor = claims.Username
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.rejected(r, meta, actor, "", []string{"request body exceeds upload limit"})
			pkghttp.WriteError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "Upload exceeds size limit")
			return
		}
		pkghttp.WriteBadRequest(w, "Multipart field \"file\" is required")
		return
	}
	defer file.Close()

	// one byte past the limit is enough for the size check to fail
	data, err := io.ReadAll(io.LimitReader(file, h.maxSize+1))
	if err != nil {
		pkghttp.WriteBadRequest(w, "Upload could not be read")
		return
	}

	filename := filepath.Base(header.Filename)
	contentType := header.Header.Get("Content-Type")

	verdict := h.checker.Validate(data, filename, contentType)
	if !verdict.IsValid {
		h.rejected(r, meta, actor, filename, verdict.Violations)
		pkghttp.WriteUnprocessable(w, "File rejected", verdict.Violations)
		return
	}

	sum := sha256.Sum256(data)
	resp := UploadResponse{
		Filename:    filename,
		Size:        int64(len(data)),
		ContentType: contentType,
		SHA256:      hex.EncodeToString(sum[:]),
	}

	h.audit.LogEvent(r.Context(), models.AuditEvent{
		EventType: models.EventUploadAccepted,
		RiskLevel: models.RiskLow,
		Actor:     actor,
		SourceIP:  meta.IP,
		UserAgent: meta.UserAgent,
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		SessionID: meta.SessionID,
		Success:   true,
		Message:   "upload accepted",
		Details: models.AuditDetails{
			"filename":     resp.Filename,
			"size":         resp.Size,
			"content_type": resp.ContentType,
			"sha256":       resp.SHA256,
		},
	})

	pkghttp.WriteJSON(w, http.StatusCreated, resp)
}

func (h *UploadHandler) rejected(r *http.Request, meta services.RequestMeta, actor, filename string, violations []string) {
	h.audit.LogEvent(r.Context(), models.AuditEvent{
		EventType: models.EventUploadRejected,
		RiskLevel: models.RiskMedium,
		Actor:     actor,
		SourceIP:  meta.IP,
		UserAgent: meta.UserAgent,
		Endpoint:  meta.Endpoint,
		Method:    meta.Method,
		SessionID: meta.SessionID,
		Success:   false,
		Message:   "upload rejected",
		Details: models.AuditDetails{
			"filename":   filename,
			"violations": violations,
		},
	})
}
