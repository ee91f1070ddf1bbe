package api

import (
	"net/http"

	"github.com/shaiso/redisctl/internal/domain"
)

// ListNodes возвращает хосты.
// GET /api/v1/nodes
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.inventory.ListNodes(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]NodeResponse, len(nodes))
	for i, n := range nodes {
		result[i] = NodeFromDomain(n)
	}
	List(w, result, len(result))
}

// ListInstances возвращает instances.
// GET /api/v1/instances?group=...&role=...
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	filter := domain.InstanceFilter{
		Group: r.URL.Query().Get("group"),
		Role:  domain.InstanceRole(r.URL.Query().Get("role")),
	}
	if filter.Role != "" && !filter.Role.Valid() {
		BadRequest(w, "invalid role")
		return
	}

	instances, err := h.inventory.ListInstances(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}
	if instances == nil {
		instances = []domain.Instance{}
	}
	List(w, instances, len(instances))
}
