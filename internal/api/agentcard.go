package api

import "net/http"

// agentCard is the static discovery document served at
// /.well-known/agent-card.json.
type agentCard struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	URL          string            `json:"url"`
	Capabilities agentCapabilities `json:"capabilities"`
	Skills       []agentSkill      `json:"skills"`
}

type agentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"push_notifications"`
}

type agentSkill struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentCard{
		Name:    "taskhub",
		Version: s.version,
		URL:     s.publicURL,
		Capabilities: agentCapabilities{
			Streaming: true,
			// Outbound push requires a webhook_url on submission; the card
			// advertises the server-wide capability.
			PushNotifications: s.webhooksEnabled,
		},
		Skills: []agentSkill{
			{ID: "build", Name: "Build", Description: "Implement code changes in a codebase."},
			{ID: "plan", Name: "Plan", Description: "Produce an implementation plan for a codebase."},
			{ID: "general", Name: "General", Description: "General-purpose agent work."},
			{ID: "explore", Name: "Explore", Description: "Explore and explain a codebase."},
		},
	})
}
