package api

import (
	"encoding/json"
	"net/http"

	"github.com/rileyseaburg/codetether/internal/authn"
	"github.com/rileyseaburg/codetether/internal/logging"
	"github.com/rileyseaburg/codetether/internal/taskcore"
)

type logLevelBody struct {
	Level string `json:"level"`
}

// handleLogLevel changes the process log level at runtime. Requires the
// admin scope in addition to the policy verdict.
func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r, "admin.log_level", ""); err != nil {
		writeError(w, r, err)
		return
	}
	if !authn.FromContext(r.Context()).HasScope(authn.ScopeAdmin) {
		writeError(w, r, taskcore.Newf(taskcore.KindForbidden, "admin scope required"))
		return
	}

	var body logLevelBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, taskcore.Invalid("decode request body: %v", err))
		return
	}
	level, err := logging.ParseLevel(body.Level)
	if err != nil {
		writeError(w, r, taskcore.Invalid("unknown log level %q", body.Level))
		return
	}
	logging.SetLevel(level)
	writeJSON(w, http.StatusOK, logLevelBody{Level: level.String()})
}
