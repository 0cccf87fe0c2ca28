package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Dashboard serves a self-refreshing page backed by /status.
func Dashboard(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, dashboardHTML)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="pt-BR">
<head>
  <meta charset="utf-8">
  <title>PIX Relay</title>
  <style>
    body { font-family: sans-serif; margin: 2rem; background: #f5f6f8; color: #222; }
    .cards { display: flex; gap: 1rem; flex-wrap: wrap; }
    .card { background: #fff; border-radius: 8px; padding: 1rem 1.5rem; min-width: 160px; box-shadow: 0 1px 3px rgba(0,0,0,.1); }
    .card h3 { margin: 0 0 .5rem; font-size: .9rem; color: #666; }
    .card p { margin: 0; font-size: 1.6rem; font-weight: bold; }
    #err { color: #b00; }
  </style>
</head>
<body>
  <h1>PIX Relay</h1>
  <p>Backend: <span id="backend">-</span> | Uptime: <span id="uptime">-</span> | Timeout PIX: <span id="timeout">-</span></p>
  <div class="cards">
    <div class="card"><h3>PIX pendentes</h3><p id="pending">-</p></div>
    <div class="card"><h3>Compras</h3><p id="purchases">-</p></div>
    <div class="card"><h3>Respostas</h3><p id="responses">-</p></div>
    <div class="card"><h3>Em memoria</h3><p id="tracked">-</p></div>
  </div>
  <p id="err"></p>
  <script>
    async function refresh() {
      try {
        const r = await fetch('/status');
        const s = await r.json();
        document.getElementById('backend').textContent = s.store_backend;
        document.getElementById('uptime').textContent = s.uptime;
        document.getElementById('timeout').textContent = s.pix_timeout;
        document.getElementById('pending').textContent = s.stats.total_pending_pix;
        document.getElementById('purchases').textContent = s.stats.total_leads_purchases;
        document.getElementById('responses').textContent = s.stats.total_leads_responses;
        document.getElementById('tracked').textContent = s.stats.tracked_orders;
        document.getElementById('err').textContent = '';
      } catch (e) {
        document.getElementById('err').textContent = 'Falha ao carregar status: ' + e;
      }
    }
    refresh();
    setInterval(refresh, 5000);
  </script>
</body>
</html>
`
