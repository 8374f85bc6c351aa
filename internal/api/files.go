package api

import (
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/zhiwei/internal/api/auth"
)

const signedURLTTL = 15 * time.Minute

// upload receives a knowledge-base document, stores it and enqueues
// background indexing. The response returns immediately with the file
// in pending state.
func (s *Server) upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file field")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable file")
	}
	defer src.Close()

	userID := auth.UserID(c)
	ctx := c.Request().Context()

	key := fmt.Sprintf("kb/%s/%s/%s", userID, uuid.NewString(), path.Base(fh.Filename))
	rec, err := s.files.Create(ctx, userID, fh.Filename, key, fh.Size)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record upload")
	}

	if _, err := s.blobs.Put(key, src); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to store upload")
	}

	if err := s.jobs.QueueIndexFileJob(ctx, rec.ID, fh.Filename, key); err != nil {
		s.log.Error().Err(err).Str("file_id", rec.ID).Msg("failed to enqueue indexing")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to schedule indexing")
	}

	return c.JSON(http.StatusAccepted, rec)
}

func (s *Server) listUploads(c echo.Context) error {
	recs, err := s.files.List(c.Request().Context(), auth.UserID(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list uploads")
	}
	return c.JSON(http.StatusOK, recs)
}

// attachmentURL hands out a short-lived signed download URL for a chat
// attachment the caller owns.
func (s *Server) attachmentURL(c echo.Context) error {
	att, err := s.store.GetAttachment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
	}
	if att.UserID != auth.UserID(c) {
		return echo.NewHTTPError(http.StatusNotFound, "attachment not found")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"url": s.blobs.SignedURL(att.StorageKey, signedURLTTL),
	})
}

// downloadFile serves a stored object when the URL signature checks
// out. The signature is the only credential; no session is needed.
func (s *Server) downloadFile(c echo.Context) error {
	key := c.Param("*")
	if err := s.blobs.Verify(key, c.QueryParam("expires"), c.QueryParam("sig")); err != nil {
		return echo.NewHTTPError(http.StatusForbidden, "invalid or expired link")
	}
	rc, err := s.blobs.Open(key)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, "application/octet-stream", rc)
}
