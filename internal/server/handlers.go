package server

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler upgrades GET requests to WebSocket and serves the line
// protocol on the result. Origins are checked against the configured list.
func (h *Hub) WebSocketHandler() http.HandlerFunc {
	policy := newOriginPolicy(h.log, h.cfg.Origins())
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     policy.check,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("WebSocket upgrade failed", zap.Error(err), zap.String("remote_addr", r.RemoteAddr))
			return
		}

		if _, err := h.Serve(newWSConn(conn, h.cfg.MaxLineSize, h.cfg.WriteTimeout)); err != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			_ = conn.Close()
		}
	}
}

// HealthHandler reports that the relay is up along with its live connection count.
func (h *Hub) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "chatrelay is running (%d connections)\n", h.ClientCount())
}

// TestPageHandler serves a minimal page for typing raw protocol lines over
// the WebSocket endpoint.
func (h *Hub) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPage); err != nil {
		h.log.Debug("error writing test page", zap.Error(err))
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>chatrelay console</title>
    <style>
        body { font-family: monospace; margin: 20px; }
        #log { border: 1px solid #ccc; height: 320px; padding: 8px; overflow-y: scroll; background: #f9f9f9; }
        input[type="text"] { width: 420px; padding: 4px; }
        .out { color: #1a4d8f; }
        .sys { color: #777; }
    </style>
</head>
<body>
    <h1>chatrelay console</h1>
    <p>Start with <code>USERNAME:yourname</code>, then try <code>/group team</code>,
       <code>/message team hello</code>, <code>/dm bob hi</code> or <code>CALL_INITIATE:bob</code>.</p>
    <button id="connect" onclick="toggle()">Connect</button>
    <input type="text" id="line" placeholder="protocol line" disabled>
    <div id="log"></div>
    <script>
        let ws = null;
        const log = document.getElementById('log');
        const input = document.getElementById('line');
        const button = document.getElementById('connect');

        function append(text, cls) {
            const row = document.createElement('div');
            row.className = cls || '';
            row.textContent = text;
            log.appendChild(row);
            log.scrollTop = log.scrollHeight;
        }

        function toggle() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
                return;
            }
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');
            ws.onopen = () => { append('connected', 'sys'); input.disabled = false; button.textContent = 'Disconnect'; };
            ws.onmessage = (e) => append(e.data);
            ws.onclose = () => { append('disconnected', 'sys'); input.disabled = true; button.textContent = 'Connect'; ws = null; };
        }

        input.addEventListener('keypress', (e) => {
            if (e.key !== 'Enter' || !ws) return;
            ws.send(input.value);
            append('> ' + input.value, 'out');
            input.value = '';
        });
    </script>
</body>
</html>`
