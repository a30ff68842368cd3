package api

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/banshee-data/lidarview/internal/httputil"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/render"
	"github.com/banshee-data/lidarview/internal/session"
)

// viewParams reads ?mode= and ?max= shared by the preview and plot views.
// The mode defaults to the session's active color mode.
func viewParams(r *http.Request, sess *session.Session) (pointcloud.ColorMode, int, error) {
	mode := sess.ColorMode()
	if m := r.URL.Query().Get("mode"); m != "" {
		parsed, err := pointcloud.ParseColorMode(m)
		if err != nil {
			return "", 0, err
		}
		mode = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return "", 0, strconv.ErrSyntax
		}
		limit = n
	}
	return mode, limit, nil
}

func viewTitle(sess *session.Session) string {
	if sess.Name() != "" {
		return sess.Name()
	}
	return "Session " + sess.ID()
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	mode, limit, err := viewParams(r, sess)
	if err != nil {
		httputil.BadRequest(w, "invalid mode or max parameter")
		return
	}
	var buf bytes.Buffer
	err = render.PreviewHTML(&buf, sess.Store().Snapshot(), mode, render.PreviewOptions{
		Title:     viewTitle(sess),
		MaxPoints: limit,
	})
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

func (s *Server) plot(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	mode, limit, err := viewParams(r, sess)
	if err != nil {
		httputil.BadRequest(w, "invalid mode or max parameter")
		return
	}
	var buf bytes.Buffer
	err = render.PlotPNG(&buf, sess.Store().Snapshot(), mode, render.PlotOptions{
		Title:     viewTitle(sess),
		MaxPoints: limit,
	})
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = buf.WriteTo(w)
}
