package main

import (
	"encoding/json"
	"fmt"
	"image/png"
	"log"
	"net/http"
	"time"

	"github.com/kwv/vpsanchor/anchor"
)

// statusResponse is the /status payload
type statusResponse struct {
	Running   bool            `json:"running"`
	SessionID string          `json:"sessionId,omitempty"`
	Locations []string        `json:"locations"`
	Snapshot  anchor.Snapshot `json:"snapshot"`

	// set only when the MQTT bridge is enabled
	Bridge        *anchor.BridgeStatus  `json:"bridge,omitempty"`
	LastPublished *anchor.StatusMessage `json:"lastPublished,omitempty"`
}

// anchorResponse is the /anchor payload: the rig and its Euler form
type anchorResponse struct {
	Rig       anchor.RigTransform `json:"rig"`
	Euler     anchor.WirePose     `json:"euler"`
	Status    anchor.Status       `json:"status"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// newHTTPServer creates an HTTP server with all endpoints. bridge and
// publisher may be nil.
func newHTTPServer(localizer *anchor.Localizer, config *anchor.Config, bridge *anchor.MQTTBridge, publisher *anchor.Publisher) http.Handler {
	mux := http.NewServeMux()
	state := localizer.State()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		health := struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Running   bool      `json:"running"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Running:   localizer.Running(),
		}
		writeJSON(w, health)
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{
			Running:   localizer.Running(),
			SessionID: localizer.SessionID(),
			Locations: localizer.Locations(),
			Snapshot:  state.Snapshot(),
		}
		if bridge != nil {
			status := bridge.Status()
			resp.Bridge = &status
		}
		if publisher != nil {
			if last, ok := publisher.LastStatus(); ok {
				resp.LastPublished = &last
			}
		}
		writeJSON(w, resp)
	})

	mux.HandleFunc("/anchor", func(w http.ResponseWriter, r *http.Request) {
		snap := state.Snapshot()
		writeJSON(w, anchorResponse{
			Rig:       snap.Rig,
			Euler:     anchor.WirePoseFrom(snap.Rig.Pose()),
			Status:    snap.Status,
			UpdatedAt: snap.UpdatedAt,
		})
	})

	// Session control
	mux.HandleFunc("/start", postOnly(func(w http.ResponseWriter, r *http.Request) {
		id := localizer.Start()
		log.Printf("[HTTP] started session %s", id)
		writeJSON(w, map[string]interface{}{"running": true, "sessionId": id})
	}))

	mux.HandleFunc("/stop", postOnly(func(w http.ResponseWriter, r *http.Request) {
		localizer.Stop()
		log.Printf("[HTTP] stopped session %s", localizer.SessionID())
		writeJSON(w, map[string]interface{}{"running": false})
	}))

	mux.HandleFunc("/toggle", postOnly(func(w http.ResponseWriter, r *http.Request) {
		running := localizer.Toggle()
		writeJSON(w, map[string]interface{}{"running": running, "sessionId": localizer.SessionID()})
	}))

	// Location selection: /location?id=a[&id=b]
	mux.HandleFunc("/location", postOnly(func(w http.ResponseWriter, r *http.Request) {
		ids := r.URL.Query()["id"]
		if len(ids) == 0 {
			http.Error(w, "missing id parameter", http.StatusBadRequest)
			return
		}
		for _, id := range ids {
			if config != nil && config.GetLocationByID(id) == nil {
				http.Error(w, fmt.Sprintf("unknown location %q", id), http.StatusNotFound)
				return
			}
		}
		if err := localizer.SetLocations(ids...); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Printf("[HTTP] locations set to %v", ids)
		writeJSON(w, map[string]interface{}{"locations": localizer.Locations()})
	}))

	// Status badge
	mux.HandleFunc("/status.png", func(w http.ResponseWriter, r *http.Request) {
		snap := state.Snapshot()
		detail := ""
		if snap.Iterations > 0 {
			detail = fmt.Sprintf("#%d", snap.Iterations)
		}
		img := anchor.RenderStatusBadge(snap.Status, detail)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		if err := png.Encode(w, img); err != nil {
			log.Printf("Error encoding status badge PNG: %v", err)
		}
	})

	mux.HandleFunc("/trace.svg", func(w http.ResponseWriter, r *http.Request) {
		renderer := anchor.NewTraceRenderer(state.Trail(), state.Fixes())
		w.Header().Set("Content-Type", "image/svg+xml")
		w.Header().Set("Cache-Control", "no-cache")
		if err := renderer.RenderToSVG(w); err != nil {
			log.Printf("Error rendering trace SVG: %v", err)
		}
	})

	mux.HandleFunc("/fixes.geojson", func(w http.ResponseWriter, r *http.Request) {
		fc := anchor.FixesToFeatureCollection(state.Fixes())
		data, err := fc.MarshalJSON()
		if err != nil {
			http.Error(w, "failed to encode fixes", http.StatusInternalServerError)
			log.Printf("Error encoding fixes GeoJSON: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		if _, err := w.Write(data); err != nil {
			log.Printf("Error writing fixes GeoJSON: %v", err)
		}
	})

	mux.HandleFunc("/ws", serveSnapshots(state))

	// Root endpoint with links
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>vpsanchor</title></head>
<body>
<h1>vpsanchor</h1>
<p><img src="/status.png" alt="status"></p>
<ul>
<li><a href="/status">/status</a> - Anchor state snapshot</li>
<li><a href="/anchor">/anchor</a> - Current rig transform</li>
<li><a href="/trace.svg">/trace.svg</a> - Corrected camera trail</li>
<li><a href="/fixes.geojson">/fixes.geojson</a> - Matched fixes</li>
<li><a href="/health">/health</a> - Health check</li>
</ul>
</body>
</html>`)
	})

	return mux
}

// postOnly rejects every method but POST
func postOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding %T: %v", v, err)
	}
}
