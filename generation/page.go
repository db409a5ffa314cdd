package generation

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
)

// statusPageTmpl is the server-rendered shell: request id, an initial status
// snapshot, and whether a realtime channel is configured. The client polls
// every 2 seconds as the source of truth; the websocket only lowers latency.
// Both delivery paths funnel through handleStatus, and a has-navigated flag
// keeps the terminal redirect from firing twice when they race.
var statusPageTmpl = template.Must(template.New("status").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Generating…</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 640px; margin: 4rem auto; padding: 0 1rem; }
.bar { height: 8px; background: #eee; border-radius: 4px; overflow: hidden; }
.bar > div { height: 100%; background: #6366f1; transition: width .4s; }
.error { color: #b91c1c; }
</style>
</head>
<body>
<h1 id="message">Starting…</h1>
<div class="bar"><div id="progress" style="width:0%"></div></div>
<p id="detail"></p>
<script>
const requestId = {{.RequestID}};
const realtime = {{.Realtime}};
const initial = {{.InitialJSON}};
let navigated = false;

function render(st) {
  document.getElementById("progress").style.width = (st.progress || 0) + "%";
  document.getElementById("message").textContent = st.message || st.status;
  if (st.error) {
    const d = document.getElementById("detail");
    d.textContent = st.error;
    d.className = "error";
  }
}

function destination(st) {
  if (st.status === "failed") return "/create";
  if (st.comparison) return "/compare/" + requestId;
  return "/sets/" + (st.setId || requestId);
}

function handleStatus(st) {
  render(st);
  const terminal = st.status === "complete" || st.status === "failed" || st.status === "partial";
  if (terminal && !navigated) {
    navigated = true;
    setTimeout(function () { window.location.href = destination(st); }, 1500);
  }
  return terminal;
}

async function poll() {
  if (navigated) return;
  try {
    const resp = await fetch("/api/processing/" + requestId, { headers: { Accept: "application/json" } });
    if (resp.status === 404) {
      document.getElementById("message").textContent = "This request has expired.";
      return;
    }
    if (resp.ok && handleStatus(await resp.json())) return;
  } catch (e) { /* transient; next poll retries */ }
  setTimeout(poll, 2000);
}

if (realtime && "WebSocket" in window) {
  try {
    const proto = location.protocol === "https:" ? "wss:" : "ws:";
    const sock = new WebSocket(proto + "//" + location.host + "/ws/processing?request=" + requestId);
    sock.onmessage = function (ev) { handleStatus(JSON.parse(ev.data)); };
  } catch (e) { /* polling still runs */ }
}

handleStatus(initial);
if (!navigated) setTimeout(poll, 2000);
</script>
</body>
</html>
`))

type statusPageData struct {
	RequestID   string
	Realtime    bool
	InitialJSON template.JS
}

func (s *Service) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requestID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/processing/"), "/")
	if requestID == "" || strings.Contains(requestID, "/") {
		http.NotFound(w, r)
		return
	}
	st, ok, err := s.store.Get(requestID)
	if err != nil {
		s.log.Error("status lookup failed", "requestId", requestID, "error", err)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	initial, err := json.Marshal(st)
	if err != nil {
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPageTmpl.Execute(w, statusPageData{
		RequestID:   requestID,
		Realtime:    s.realtime,
		InitialJSON: template.JS(initial),
	}); err != nil {
		s.log.Error("status page render failed", "requestId", requestID, "error", err)
	}
}
