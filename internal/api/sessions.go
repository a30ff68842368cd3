package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/lidarview/internal/feed"
	"github.com/banshee-data/lidarview/internal/httputil"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/parse"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/render"
	"github.com/banshee-data/lidarview/internal/session"
)

type transformRequest struct {
	Convention    *string  `json:"convention"`
	FloorAngle    *float64 `json:"floor_angle"`
	AzimuthOffset *float64 `json:"azimuth_offset"`
	Scale         *float64 `json:"scale"`
	KeyResolution *float64 `json:"key_resolution"`
}

// createRequest overrides the server's default session config. Omitted
// fields keep their defaults.
type createRequest struct {
	Name             *string           `json:"name"`
	Policy           *string           `json:"policy"`
	MaxPoints        *int              `json:"max_points"`
	ColorMode        *string           `json:"color_mode"`
	DisconnectPolicy *string           `json:"disconnect_policy"`
	Format           *string           `json:"format"`
	Fields           *parse.FieldMap   `json:"fields"`
	MinStrength      *int              `json:"min_strength"`
	Transform        *transformRequest `json:"transform"`
}

func (req createRequest) apply(cfg session.Config) session.Config {
	if req.Name != nil {
		cfg.Name = *req.Name
	}
	if req.Policy != nil {
		cfg.Policy = pointcloud.Policy(*req.Policy)
	}
	if req.MaxPoints != nil {
		cfg.MaxPoints = *req.MaxPoints
	}
	if req.ColorMode != nil {
		cfg.ColorMode = pointcloud.ColorMode(*req.ColorMode)
	}
	if req.DisconnectPolicy != nil {
		cfg.DisconnectPolicy = session.DisconnectPolicy(*req.DisconnectPolicy)
	}
	if req.Format != nil {
		cfg.Format = parse.Format(*req.Format)
	}
	if req.Fields != nil {
		cfg.Decode.Fields = *req.Fields
	}
	if req.MinStrength != nil {
		cfg.Decode.MinStrength = *req.MinStrength
	}
	if t := req.Transform; t != nil {
		if t.Convention != nil {
			cfg.Transform.Convention = pointcloud.Convention(*t.Convention)
			if cfg.Transform.Convention == pointcloud.ConventionFloorRelative && cfg.Transform.FloorAngle == 0 {
				cfg.Transform.FloorAngle = pointcloud.DefaultFloorAngle
			}
		}
		if t.FloorAngle != nil {
			cfg.Transform.FloorAngle = *t.FloorAngle
		}
		if t.AzimuthOffset != nil {
			cfg.Transform.AzimuthOffset = *t.AzimuthOffset
		}
		if t.Scale != nil {
			cfg.Transform.Scale = *t.Scale
		}
		if t.KeyResolution != nil {
			cfg.Keys.Resolution = *t.KeyResolution
		}
	}
	return cfg
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if r.ContentLength != 0 {
		if err := httputil.DecodeJSON(r, &req); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	cfg := req.apply(s.defaults)
	if err := cfg.Validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	sess, err := s.registry.Create(cfg, session.WithClock(s.clock))
	if err != nil {
		// New only fails on config it could not build a decoder for.
		httputil.BadRequest(w, err.Error())
		return
	}
	monitoring.Logf("created session %s (%s, %s)", sess.ID(), cfg.Policy, cfg.Format)
	httputil.WriteJSON(w, http.StatusCreated, sess.Stats())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	out := make([]session.Stats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Stats())
	}
	httputil.WriteJSONOK(w, out)
}

// deleteSession closes and forgets a session. With ?purge=true its
// persisted snapshots are deleted as well.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Remove(id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			httputil.NotFound(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	if r.URL.Query().Get("purge") == "true" && s.db != nil {
		if err := s.db.DeleteSession(r.Context(), id); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// connect starts a feed. The body is a feed spec; an empty body uses the
// configured default feed.
func (s *Server) connect(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var spec feed.Spec
	switch {
	case r.ContentLength != 0:
		if err := httputil.DecodeJSON(r, &spec); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	case s.defaultFeed != nil:
		spec = *s.defaultFeed
	default:
		httputil.BadRequest(w, "no feed given and no default feed configured")
		return
	}

	src, err := feed.Build(spec, s.env)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := sess.Open(s.baseCtx, src); err != nil {
		if errors.Is(err, session.ErrInvalidTransition) {
			httputil.WriteJSONError(w, http.StatusConflict, fmt.Sprintf("session is %s", sess.State()))
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, sess.Stats())
}

func (s *Server) disconnect(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if err := sess.Close(); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sess.Stats())
}

func (s *Server) clear(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	sess.Clear()
	httputil.WriteJSONOK(w, sess.Stats())
}

// pushSamples decodes the body with the session's decoder, the same way a
// feed payload would be.
func (s *Server) pushSamples(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	body, err := httputil.ReadBody(r, maxImportBody)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if err := sess.HandlePayload("http", body); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sess.Stats())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	resp := struct {
		session.Stats
		Recent []session.Warning `json:"recent_warnings"`
	}{sess.Stats(), sess.Warnings()}
	httputil.WriteJSONOK(w, resp)
}

// buffers returns the renderer buffers as JSON, or as a binary frame with
// ?format=binary.
func (s *Server) buffers(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	b := sess.Buffers()
	switch r.URL.Query().Get("format") {
	case "", "json":
		httputil.WriteJSONOK(w, b)
	case "binary":
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(render.EncodeFrame(b))
	default:
		httputil.BadRequest(w, "format must be json or binary")
	}
}

func (s *Server) setColorMode(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := sess.SetColorMode(pointcloud.ColorMode(req.Mode)); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, map[string]any{"color_mode": sess.ColorMode()})
}

// setRender updates point size and opacity. These never touch the points.
func (s *Server) setRender(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req struct {
		PointSize *float64 `json:"point_size"`
		Opacity   *float64 `json:"opacity"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	settings := sess.Render()
	if req.PointSize != nil {
		settings.PointSize = *req.PointSize
	}
	if req.Opacity != nil {
		settings.Opacity = *req.Opacity
	}
	if err := sess.SetRender(settings); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, sess.Render())
}
