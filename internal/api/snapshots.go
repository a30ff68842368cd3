package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/banshee-data/lidarview/internal/httputil"
	"github.com/banshee-data/lidarview/internal/lidardb"
	"github.com/banshee-data/lidarview/internal/monitoring"
	"github.com/banshee-data/lidarview/internal/pointcloud"
	"github.com/banshee-data/lidarview/internal/security"
	"github.com/banshee-data/lidarview/internal/session"
)

func (s *Server) snapshotFilename(name string) string {
	return fmt.Sprintf("%s-%s.json", security.SanitizeFilename(name), s.clock.Now().UTC().Format("20060102-150405"))
}

func (s *Server) export(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	data, err := sess.Export()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	name := sess.Name()
	if name == "" {
		name = "pointcloud-" + sess.ID()
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", s.snapshotFilename(name)))
	_, _ = w.Write(data)
}

// importSnapshot loads a snapshot body. A rejected snapshot leaves the
// store untouched.
func (s *Server) importSnapshot(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	policy := session.ImportPolicy(r.URL.Query().Get("policy"))
	switch policy {
	case "":
		policy = session.ImportReplace
	case session.ImportReplace, session.ImportAppend:
	default:
		httputil.BadRequest(w, "policy must be replace or append")
		return
	}

	data, err := httputil.ReadBody(r, maxImportBody)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	n, err := sess.Import(data, policy)
	if err != nil {
		if errors.Is(err, pointcloud.ErrInvalidSnapshot) {
			httputil.BadRequest(w, err.Error())
			return
		}
		httputil.InternalServerError(w, err.Error())
		return
	}
	monitoring.Logf("session %s: imported %d points (%s)", sess.ID(), n, policy)
	httputil.WriteJSONOK(w, map[string]any{
		"imported": n,
		"stats":    sess.Stats(),
	})
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "persistence is disabled")
		return false
	}
	return true
}

// persist records the session and stores its current points.
func (s *Server) persist(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if !s.requireDB(w) {
		return
	}
	set := sess.Store().Snapshot()
	data, err := pointcloud.MarshalSnapshot(set)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	st := sess.Stats()
	rec := lidardb.SessionRecord{
		ID:        sess.ID(),
		Name:      st.Name,
		Source:    st.Source,
		Policy:    string(st.Policy),
		CreatedAt: st.CreatedAt,
	}
	if err := s.db.RecordSession(r.Context(), rec); err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	info, err := s.db.SaveSnapshot(r.Context(), sess.ID(), set, data)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, info)
}

// listSnapshots lists stored snapshots, optionally for ?session=ID.
func (s *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	infos, err := s.db.ListSnapshots(r.Context(), r.URL.Query().Get("session"))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	httputil.WriteJSONOK(w, infos)
}

// getSnapshot returns a stored snapshot in the export format, so it can be
// posted straight back to an import endpoint.
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	info, data, err := s.db.LoadSnapshot(r.Context(), r.PathValue("id"))
	if errors.Is(err, lidardb.ErrSnapshotNotFound) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "snapshot-"+security.SanitizeFilename(info.ID)+".json"))
	_, _ = w.Write(data)
}
