package adminfake

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/roach88/vdbtest/internal/admin"
)

// Handler serves the fake over the REST interface used by admin.Client.
// Failures from the fake are answered with 500 and {"error": "..."}.
func (f *Fake) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /vdbs", func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		vdbs, err := f.ListVDBs(r.Context(), pattern)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if vdbs == nil {
			vdbs = []admin.VDB{}
		}
		writeJSON(w, http.StatusOK, vdbs)
	})

	mux.HandleFunc("PUT /bindings/{name}", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ConnectorType string            `json:"connector_type"`
			Properties    map[string]string `json:"properties"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ignore, _ := strconv.ParseBool(r.URL.Query().Get("ignore_decrypt_errors"))
		opts := admin.Options{
			OnConflict:          admin.ConflictPolicy(r.URL.Query().Get("on_conflict")),
			IgnoreDecryptErrors: ignore,
		}
		if err := f.AddConnectorBinding(r.Context(), r.PathValue("name"), body.ConnectorType, body.Properties, opts); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("PUT /vdbs/{vdb}/versions/{version}/models/{model}/binding", func(w http.ResponseWriter, r *http.Request) {
		version, err := strconv.Atoi(r.PathValue("version"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		var body struct {
			Binding string `json:"binding"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := f.AssignBindingToModel(r.Context(), body.Binding, r.PathValue("vdb"), version, r.PathValue("model")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /bindings/{name}/start", func(w http.ResponseWriter, r *http.Request) {
		if err := f.StartConnectorBinding(r.Context(), r.PathValue("name")); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
