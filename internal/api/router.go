package api

import (
	"net/http"
)

// Routes groups the handlers mounted by NewRouter. Nil groups are skipped.
type Routes struct {
	Dishes  *DishHandlers
	Retrain *RetrainHandlers
	Health  *HealthHandlers
	Metrics http.Handler
}

// NewRouter mounts every endpoint on a ServeMux. Unknown paths get the JSON
// not_found envelope.
func NewRouter(routes Routes) *http.ServeMux {
	mux := http.NewServeMux()

	if routes.Dishes != nil {
		mux.HandleFunc("/dishes/available", routes.Dishes.ListAvailable)
		mux.HandleFunc("/dishes/recommended", routes.Dishes.ListRecommended)
	}
	if routes.Retrain != nil {
		mux.HandleFunc("/admin/retrain", routes.Retrain.Retrain)
		mux.HandleFunc("/admin/retrain/auto", routes.Retrain.AutoRetrain)
	}
	if routes.Health != nil {
		mux.HandleFunc("/health", routes.Health.Health)
		mux.HandleFunc("/ready", routes.Health.Ready)
	}
	if routes.Metrics != nil {
		mux.Handle("/metrics", routes.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeCodedError(w, r, ErrCodeNotFound, "Not found")
	})
	return mux
}
