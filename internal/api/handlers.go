package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/octoforge/octogate/internal/types"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	BotID     string `json:"bot_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name,omitempty"`
	Content   string `json:"content"`
}

func (c *chatRequest) validate() error {
	if c.BotID == "" || c.UserID == "" || c.Content == "" {
		return fmt.Errorf("bot_id, user_id and content are required")
	}
	return nil
}

func (c *chatRequest) incoming() types.IncomingMessage {
	channelID := c.ChannelID
	if channelID == "" {
		channelID = "api-" + c.UserID
	}
	return types.IncomingMessage{
		ChannelType: "api",
		ChannelID:   channelID,
		UserID:      c.UserID,
		UserName:    c.UserName,
		Content:     c.Content,
		Timestamp:   time.Now(),
	}
}

// handleChat runs one synchronous conversation turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	a, err := s.directory.GetOrCreate(r.Context(), req.BotID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	reply, err := a.Process(r.Context(), req.incoming())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// handleChatStream runs one turn and streams the reply as server-sent
// events: "data:" frames with text fragments, then "event: done".
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	a, err := s.directory.GetOrCreate(r.Context(), req.BotID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	chunks, err := a.ProcessStream(r.Context(), req.incoming())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		if chunk.Err != nil {
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			return
		}
		payload, _ := json.Marshal(map[string]string{"text": chunk.Text})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "event: done\ndata: {}\n\n")
	flusher.Flush()
}

func (s *Server) handleListBots(w http.ResponseWriter, r *http.Request) {
	bots, err := s.store.ListBotInstances(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	type botView struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
		Active  bool   `json:"active"`
	}
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		out = append(out, botView{
			ID:      b.ID,
			Name:    b.Name,
			Enabled: b.Enabled,
			Active:  s.directory.Has(b.ID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"bots": out})
}

// handleEvictAgent drops the retained agent so the next message rebuilds
// it from current configuration.
func (s *Server) handleEvictAgent(w http.ResponseWriter, r *http.Request) {
	botID := r.PathValue("botID")
	s.directory.Remove(botID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "evicted"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": s.gateway.ListRunning()})
}

type channelRequest struct {
	BotID       string `json:"bot_id"`
	ChannelType string `json:"channel_type"`
}

func (s *Server) handleStartChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotID == "" || req.ChannelType == "" {
		writeError(w, http.StatusBadRequest, "bot_id and channel_type are required")
		return
	}
	if err := s.gateway.Start(r.Context(), req.BotID, req.ChannelType); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

func (s *Server) handleStopChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BotID == "" || req.ChannelType == "" {
		writeError(w, http.StatusBadRequest, "bot_id and channel_type are required")
		return
	}
	if err := s.gateway.Stop(req.BotID, req.ChannelType); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	output, err := s.runner.RunNow(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "output": output})
}

func (s *Server) handleJobExecutions(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobID")
	if _, err := s.store.GetScheduledJob(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	execs, err := s.store.JobExecutions(r.Context(), jobID, 50)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}
