package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// sseWriter streams protocol frames as server-sent events. Every frame
// is flushed immediately so consumers see tokens as they arrive.
type sseWriter struct {
	resp *echo.Response
}

func newSSEWriter(c echo.Context) *sseWriter {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	return &sseWriter{resp: resp}
}

func (w *sseWriter) WriteFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := fmt.Fprintf(w.resp, "data: %s\n\n", data); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

func (w *sseWriter) WriteDone() error {
	if _, err := fmt.Fprint(w.resp, "data: [DONE]\n\n"); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}
