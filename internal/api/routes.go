package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Tasks
	mux.Handle("GET /api/v1/tasks", chain(http.HandlerFunc(h.ListTasks)))
	mux.Handle("POST /api/v1/tasks", chain(http.HandlerFunc(h.CreateTask)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))

	// Inventory
	mux.Handle("GET /api/v1/nodes", chain(http.HandlerFunc(h.ListNodes)))
	mux.Handle("GET /api/v1/instances", chain(http.HandlerFunc(h.ListInstances)))

	// Published by the collector
	mux.Handle("GET /api/v1/snapshot", chain(http.HandlerFunc(h.GetSnapshot)))
	mux.Handle("GET /api/v1/targets", chain(http.HandlerFunc(h.GetTargets)))
	mux.Handle("GET /api/v1/stats", chain(http.HandlerFunc(h.QueryStats)))
}
