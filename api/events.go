package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"pipegate/runner"
)

// SSEHandler streams orchestrator events as Server-Sent Events. The
// optional execution_id query parameter limits the stream to one execution.
func SSEHandler(orch *runner.Orchestrator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		sub := orch.Subscribe(r.URL.Query().Get("execution_id"))
		defer sub.Close()

		fmt.Fprintf(w, "event: connected\ndata: {\"message\": \"Connected to pipegate events\"}\n\n")
		flusher.Flush()

		for {
			select {
			case event, ok := <-sub.C:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					logger.Error("failed to marshal event", slog.String("type", string(event.Type)), slog.Any("error", err))
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
