package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// registerAdminRoutes mounts the dashboard page and the bearer-guarded
// admin API. With admin disabled everything under /admin answers 404 so
// the surface stays invisible.
func (s *Server) registerAdminRoutes(e *echo.Echo) {
	e.GET("/admin", s.handleAdminPage())

	api := e.Group("/admin/api", s.adminGuard())
	api.GET("/queue/stats", s.handleQueueStats())
	api.GET("/history", s.handleHistory())
	api.POST("/retry/:ticket_id", s.handleAdminRetry())
	api.POST("/dlq/drain", s.handleAdminDLQDrain())
}

func (s *Server) adminGuard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			admin := s.cfg.Admin
			if !admin.Enabled {
				return apiError(c, http.StatusNotFound, "admin_disabled", "admin_disabled", "")
			}
			if admin.BearerToken == "" {
				return apiError(c, http.StatusServiceUnavailable,
					"admin_token_not_configured", "admin_token_not_configured", "")
			}
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !bearerTokenMatches(auth, admin.BearerToken) {
				return apiError(c, http.StatusUnauthorized, "unauthorized", "unauthorized", "")
			}
			return next(c)
		}
	}
}

func (s *Server) handleAdminPage() echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.cfg.Admin.Enabled {
			return apiError(c, http.StatusNotFound, "admin_disabled", "admin_disabled", "")
		}
		return c.HTML(http.StatusOK, adminDashboardHTML)
	}
}

func (s *Server) handleAdminRetry() echo.HandlerFunc {
	return func(c echo.Context) error {
		ticketID, err := s.retryTicket(c)
		if err != nil {
			return swallowResponded(err)
		}
		return c.JSON(http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"ticket_id": ticketID,
		})
	}
}

func (s *Server) handleAdminDLQDrain() echo.HandlerFunc {
	return func(c echo.Context) error {
		drained, err := s.drainDLQ(c)
		if err != nil {
			return swallowResponded(err)
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"drained": drained,
		})
	}
}

// adminDashboardHTML is a self-contained page: the operator pastes the
// bearer token once and the page polls the admin API with it.
const adminDashboardHTML = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Archiver Admin</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
h1 { font-size: 1.3rem; }
table { border-collapse: collapse; margin-top: 1rem; width: 100%; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; font-size: 0.85rem; }
th { background: #f4f4f4; }
input, button { padding: 0.3rem 0.5rem; margin-right: 0.5rem; }
#stats { margin-top: 1rem; font-family: monospace; white-space: pre; background: #f9f9f9; padding: 0.8rem; }
.err { color: #b00; }
</style>
</head>
<body>
<h1>Ticket PDF Archiver &mdash; Admin</h1>
<div>
  <input id="token" type="password" placeholder="bearer token" size="32">
  <input id="ticket" type="number" placeholder="ticket id" min="1">
  <button onclick="retryTicket()">Retry</button>
  <button onclick="drainDLQ()">Drain DLQ</button>
  <button onclick="refresh()">Refresh</button>
  <span id="msg"></span>
</div>
<div id="stats">loading&hellip;</div>
<table>
  <thead><tr><th>time</th><th>ticket</th><th>status</th><th>classification</th><th>message</th></tr></thead>
  <tbody id="history"></tbody>
</table>
<script>
function headers() {
  return { "Authorization": "Bearer " + document.getElementById("token").value };
}
function esc(v) {
  return String(v ?? "").replace(/[&<>"']/g, function (ch) {
    return "&#" + ch.charCodeAt(0) + ";";
  });
}
function note(text, isErr) {
  var el = document.getElementById("msg");
  el.textContent = text;
  el.className = isErr ? "err" : "";
}
async function call(path, opts) {
  opts = opts || {};
  opts.headers = headers();
  var resp = await fetch(path, opts);
  var body = await resp.json();
  if (!resp.ok) { throw new Error(body.detail || resp.status); }
  return body;
}
async function refresh() {
  try {
    var stats = await call("/admin/api/queue/stats");
    document.getElementById("stats").textContent = JSON.stringify(stats, null, 2);
    var hist = await call("/admin/api/history?limit=50");
    var rows = hist.items.map(function (it) {
      var ts = new Date(it.created_at * 1000).toISOString();
      return "<tr><td>" + esc(ts) + "</td><td>" + esc(it.ticket_id) + "</td><td>" +
        esc(it.status) + "</td><td>" + esc(it.classification) + "</td><td>" +
        esc(it.message) + "</td></tr>";
    });
    document.getElementById("history").innerHTML = rows.join("");
    note("");
  } catch (e) { note(e.message, true); }
}
async function retryTicket() {
  var id = document.getElementById("ticket").value;
  if (!id) { note("ticket id required", true); return; }
  try {
    var body = await call("/admin/api/retry/" + id, { method: "POST" });
    note("retry accepted for ticket " + body.ticket_id);
    refresh();
  } catch (e) { note(e.message, true); }
}
async function drainDLQ() {
  try {
    var body = await call("/admin/api/dlq/drain?limit=100", { method: "POST" });
    note("drained " + body.drained + " DLQ entries");
    refresh();
  } catch (e) { note(e.message, true); }
}
</script>
</body>
</html>
`
