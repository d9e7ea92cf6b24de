package handler

import "net/http"

type healthResponse struct {
	Status      string `json:"status"`
	BackendWarm bool   `json:"backend_warm"`
}

// Health はプロセスの死活を返す。バックエンドの状態には依存しない。
// GET /health
func Health(service SessionService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:      "ok",
			BackendWarm: service.BackendWarm(),
		})
	}
}
