package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"saltvault/internal/server/config"
	"saltvault/internal/server/database"
	"saltvault/internal/server/service"

	"github.com/labstack/echo/v4"
)

const (
	sessionCookie  = "session"
	userIDKey      = "user_id"
	maxPasswordLen = 4096

	// multipartOverhead covers part headers, boundaries and the pwd part.
	multipartOverhead = 64 << 10
)

// Handler contains the HTTP handlers for the SaltVault API.
type Handler struct {
	creds    *service.CredentialStore
	sessions *service.SessionManager
	vault    *service.FileVault
	db       database.Store
	cfg      *config.Config
}

// NewHandler creates a new handler with its service dependencies.
func NewHandler(creds *service.CredentialStore, sessions *service.SessionManager, vault *service.FileVault, db database.Store, cfg *config.Config) *Handler {
	return &Handler{creds: creds, sessions: sessions, vault: vault, db: db, cfg: cfg}
}

// HandleRegister handles POST /api/register.
// Creates an account from form fields "username" and "password" and logs it in.
func (h *Handler) HandleRegister(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := h.creds.Register(ctx, c.FormValue("username"), c.FormValue("password"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return h.startSession(c, http.StatusCreated, userID)
}

// HandleLogin handles POST /api/login.
func (h *Handler) HandleLogin(c echo.Context) error {
	ctx := c.Request().Context()

	userID, err := h.creds.Authenticate(ctx, c.FormValue("username"), c.FormValue("password"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return h.startSession(c, http.StatusOK, userID)
}

func (h *Handler) startSession(c echo.Context, status int, userID uint64) error {
	session, err := h.sessions.Issue(c.Request().Context(), userID)
	if err != nil {
		return mapServiceError(c, err)
	}

	token := service.FormatToken(session.ID)
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(service.SessionLifetime / time.Second),
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	})

	return c.JSON(status, echo.Map{
		"session":    token,
		"expires_at": session.ExpiresAt,
	})
}

// HandleUpload handles POST /api/upload_file.
// Accepts a multipart form with a "file" part and a "pwd" part; any other
// part rejects the request.
func (h *Handler) HandleUpload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, h.cfg.MaxFileSize+multipartOverhead)

	reader, err := c.Request().MultipartReader()
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "multipart form required"})
	}

	form, err := h.readUploadForm(reader)
	if err != nil {
		return mapServiceError(c, err)
	}

	err = h.vault.Upload(c.Request().Context(), userID(c), form.fileName, form.password, form.contents)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"file_name": form.fileName,
		"size":      len(form.contents),
	})
}

type uploadForm struct {
	fileName string
	contents []byte
	password string
}

func (h *Handler) readUploadForm(reader *multipart.Reader) (*uploadForm, error) {
	var form uploadForm
	var sawFile, sawPassword bool

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(err, "malformed multipart body")
		}

		switch part.FormName() {
		case "file":
			name := rawFileName(part)
			if sawFile || name == "" {
				return nil, fmt.Errorf("%w: exactly one file part with a filename is required", service.ErrRejected)
			}
			sawFile = true
			form.fileName = name
			// One byte past the limit is enough for the vault to report ErrTooLarge.
			form.contents, err = io.ReadAll(io.LimitReader(part, h.cfg.MaxFileSize+1))
		case "pwd":
			if sawPassword {
				return nil, fmt.Errorf("%w: duplicate pwd part", service.ErrRejected)
			}
			sawPassword = true
			var pwd []byte
			pwd, err = io.ReadAll(io.LimitReader(part, maxPasswordLen+1))
			if len(pwd) > maxPasswordLen {
				return nil, fmt.Errorf("%w: password too long", service.ErrRejected)
			}
			form.password = string(pwd)
		default:
			return nil, fmt.Errorf("%w: unexpected form part %q", service.ErrRejected, part.FormName())
		}
		part.Close()
		if err != nil {
			return nil, readError(err, "failed to read form part")
		}
	}

	if !sawFile || !sawPassword {
		return nil, fmt.Errorf("%w: file and pwd parts are required", service.ErrRejected)
	}
	return &form, nil
}

// rawFileName returns the filename parameter exactly as sent. Part.FileName
// strips directory components, which would hide traversal attempts from the
// vault's name check.
func rawFileName(part *multipart.Part) string {
	_, params, err := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}

func readError(err error, msg string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return service.ErrTooLarge
	}
	return fmt.Errorf("%w: %s", service.ErrRejected, msg)
}

// HandleDownload handles POST /api/download_file.
// Returns the decrypted file as text/plain.
func (h *Handler) HandleDownload(c echo.Context) error {
	contents, err := h.vault.Download(c.Request().Context(), userID(c), c.FormValue("file_name"), c.FormValue("pwd"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.String(http.StatusOK, contents)
}

// HandleList handles GET /api/files.
func (h *Handler) HandleList(c echo.Context) error {
	files, err := h.vault.List(c.Request().Context(), userID(c))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"files": files})
}

// HandleDelete handles DELETE /api/files/:name.
func (h *Handler) HandleDelete(c echo.Context) error {
	name := c.Param("name")
	// The router matches on RawPath when the request carries escapes such as
	// %2F, in which case the parameter is still escaped.
	if c.Request().URL.RawPath != "" {
		unescaped, err := url.PathUnescape(name)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid file name"})
		}
		name = unescaped
	}

	if err := h.vault.Delete(c.Request().Context(), userID(c), name); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "file deleted successfully"})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		slog.Error("health check failed", "error", err)
		status = "degraded"
		dbStatus = "error"
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrConflict):
		return c.JSON(http.StatusConflict, echo.Map{"error": "username already taken"})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	case errors.Is(err, service.ErrRejected):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrCorrupt):
		return c.JSON(http.StatusUnprocessableEntity, echo.Map{"error": "stored file is not valid text"})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
