package app

import (
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"

	"github.com/sagalog/saga/modules/alarms"
	"github.com/sagalog/saga/modules/retention"
	"github.com/sagalog/saga/sagadb/archive"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (t *App) pipelineQueryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing q parameter", http.StatusBadRequest)
			return
		}

		result, err := t.pipeline.Execute(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (t *App) findByLevelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := t.store.FindByLevel(r.Context(), mux.Vars(r)["level"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func (t *App) findBySourceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := t.store.FindBySource(r.Context(), mux.Vars(r)["source"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
	}
}

func (t *App) findByIDHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		record, err := t.store.FindByID(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if record == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
	}
}

func (t *App) partitionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, t.store.ActivePartitions())
	}
}

func (t *App) cacheStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, t.cache.Stats())
	}
}

func (t *App) clusterStateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, t.cluster.StateSnapshot())
	}
}

func (t *App) archiveListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, t.archiveStore.List())
	}
}

func (t *App) archiveGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		meta, err := t.archiveStore.Get(mux.Vars(r)["id"])
		if err == archive.ErrNotFound {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	}
}

// archiveRestoreHandler re-indexes the records of a cold archive. Restored
// records keep their original ids, so re-restoring is a no-op.
func (t *App) archiveRestoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		records, err := t.archiveStore.Extract(id)
		if err == archive.ErrNotFound {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}

		if err := t.store.IndexAll(r.Context(), records); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"restored": len(records)})
	}
}

func (t *App) alarmListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, t.alarmStore.List())
	}
}

func (t *App) alarmCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a alarms.Alarm
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := t.alarmStore.Create(a)
		if err != nil {
			writeError(w, alarmErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func (t *App) alarmGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := t.alarmStore.Get(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, alarmErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (t *App) alarmUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var a alarms.Alarm
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		a.ID = mux.Vars(r)["id"]
		if err := t.alarmStore.Update(a); err != nil {
			writeError(w, alarmErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, a)
	}
}

func (t *App) alarmDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := t.alarmStore.Delete(mux.Vars(r)["id"]); err != nil {
			writeError(w, alarmErrorStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func alarmErrorStatus(err error) int {
	switch err {
	case alarms.ErrNotFound:
		return http.StatusNotFound
	case alarms.ErrNameTaken:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func (t *App) policyListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, t.policyStore.List())
	}
}

func (t *App) policyCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p retention.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		created, err := t.policyStore.Create(p)
		if err != nil {
			writeError(w, policyErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func (t *App) policyGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := t.policyStore.Get(mux.Vars(r)["id"])
		if err != nil {
			writeError(w, policyErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (t *App) policyUpdateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p retention.Policy
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		p.ID = mux.Vars(r)["id"]
		if err := t.policyStore.Update(p); err != nil {
			writeError(w, policyErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func (t *App) policyDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := t.policyStore.Delete(mux.Vars(r)["id"]); err != nil {
			writeError(w, policyErrorStatus(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func policyErrorStatus(err error) int {
	switch err {
	case retention.ErrNotFound:
		return http.StatusNotFound
	case retention.ErrNameTaken:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
