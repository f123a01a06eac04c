package app

import (
	"encoding/json"
	"net/http"
)

type TagsResponse struct {
	Models []TagEntry `json:"models"`
}

type TagEntry struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Name     string                  `json:"name"`
	Digest   string                  `json:"digest"`
	Servers  []string                `json:"servers"`
}

// tagsHandler passes the routing core's aggregated model cache (C10)
// straight through to the caller.
func (a *Application) tagsHandler(w http.ResponseWriter, r *http.Request) {
	aggregated := a.orchestrator.GetAggregatedTags(r.Context())

	response := TagsResponse{Models: make([]TagEntry, 0, len(aggregated))}
	for _, m := range aggregated {
		response.Models = append(response.Models, TagEntry{
			Name:     m.Name,
			Digest:   m.Digest,
			Servers:  m.ServerIDs,
			Metadata: m.Metadata,
		})
	}

	w.Header().Set(ContentTypeHeader, ContentTypeJSON)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
