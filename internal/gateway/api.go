package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"collabtext/realtime/internal/access"
	"collabtext/realtime/internal/persist"
	"collabtext/realtime/internal/replica"
)

const maxSnapshotSize = 64 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (g *Gateway) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "serverId": g.processID})
}

func (g *Gateway) presence(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	if _, ok := g.authorize(w, r, documentID); !ok {
		return
	}
	writeJSON(w, http.StatusOK, g.sessions.ListPresentUsers(documentID))
}

// restore replaces the document content with the snapshot in the body.
// Only the owner may restore.
func (g *Gateway) restore(w http.ResponseWriter, r *http.Request) {
	documentID := mux.Vars(r)["documentID"]
	grant, ok := g.authorize(w, r, documentID)
	if !ok {
		return
	}
	if grant.Permission != access.PermissionOwner {
		g.metrics.Rejected.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	snapshot, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "Snapshot too large")
		return
	}
	err = g.sessions.Restore(r.Context(), documentID, snapshot)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"message": "Document restored"})
	case errors.Is(err, replica.ErrMalformedUpdate):
		writeError(w, http.StatusBadRequest, "Malformed snapshot")
	case errors.Is(err, persist.ErrUnavailable):
		g.log.Error("restore failed", zap.String("document", documentID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable")
	default:
		g.log.Error("restore failed", zap.String("document", documentID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to restore version")
	}
}
