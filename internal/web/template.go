package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/anneal-control/internal/status"
)

func formatUptime(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d.Hours()) / 24
	h := int(d.Hours()) % 24
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": formatUptime,
	"f2":     func(v float64) string { return fmt.Sprintf("%.2f", v) },
	"f3":     func(v float64) string { return fmt.Sprintf("%.3f", v) },
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Anneal Control</title>
<style>
body { font-family: monospace; max-width: 640px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.virtual { color: orange; }
.trusted { color: green; }
.connected { color: green; }
.disconnected { color: red; }
.warn { color: #b00; }
form { display: inline-block; margin: 0 0.5em 0.5em 0; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; background: orange; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
</style>
</head>
<body>
<h1>Anneal Control<span id="live-dot" class="live-dot" title="connecting"></span></h1>

<h2>Run</h2>
<table>
<tr><th>Phase</th><td id="phase">{{if .HaveReading}}{{.Reading.Phase}}{{else}}idle{{end}}</td></tr>
{{with .Run}}<tr><th>Run</th><td>{{.ID}}</td></tr>
<tr><th>Mode</th><td>{{.Mode}}</td></tr>
{{with .Profile}}<tr><th>Setpoint</th><td>{{f2 .Setpoint}} °C ({{f2 .SensorSetpoint}} sensor) at {{.HeatingRate}} °C/s</td></tr>{{end}}
<tr><th>Heating time</th><td>{{.HeatingTime}}</td></tr>
<tr><th>Limits</th><td>{{.Voltage}} V / {{.MaxCurrent}} A</td></tr>
{{with .Result}}<tr><th>Stopped</th><td>{{.Reason}}</td></tr>{{end}}{{end}}
</table>

<h2>Live</h2>
<table>
{{if and .HaveReading (ne .Reading.Source.String "none")}}
<tr><th>Temperature</th><td id="temp" class="{{.Reading.Source}}">{{f2 .Reading.Actual}} °C ({{f2 .Reading.Sensor}} sensor, {{.Reading.Source}})</td></tr>
{{else}}
<tr><th>Temperature</th><td id="temp">no reading</td></tr>
{{end}}
<tr><th>Current</th><td id="current">{{f3 .Reading.Current}} A</td></tr>
<tr><th>Voltage</th><td id="voltage">{{.Reading.Voltage.Format}}</td></tr>
<tr><th>Heating elapsed</th><td id="elapsed">{{if .Reading.HeatingStarted}}{{uptime .Reading.HeatingElapsed}}{{else}}not started{{end}}</td></tr>
<tr><th>Failed reads</th><td id="failed">{{.Reading.FailedReads}}</td></tr>
</table>

<h2>Control</h2>
<form data-action="/api/stop"><button>Stop</button></form>
<form data-action="/api/pause"><button>Pause</button></form>
<form data-action="/api/adjust"><input name="current" size="6" placeholder="A"><button>Adjust</button></form>
<form data-action="/api/mode"><select name="mode"><option>manual</option><option>ai</option><option>ladder</option></select><button>Mode</button></form>
<p id="control-result"></p>

<h2>Warnings</h2>
<ul id="warnings">
{{range .Warnings}}<li class="warn">{{.Time.UTC.Format "15:04:05"}} {{.Kind.Message}}</li>
{{else}}<li>none</li>
{{end}}</ul>

<h2>System</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Instrument</th><td>{{.Config.Instrument}}</td></tr>
<tr><th>Sensor</th><td>{{.Config.Sensor}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/api/runs">Runs</a> · <a href="/metrics">Metrics</a></p>
<script>
(function() {
  var dot = document.getElementById("live-dot");
  function text(id, v) { document.getElementById(id).textContent = v; }

  document.querySelectorAll("form[data-action]").forEach(function(f) {
    f.addEventListener("submit", function(e) {
      e.preventDefault();
      fetch(f.dataset.action, { method: "POST", body: new URLSearchParams(new FormData(f)) })
        .then(function(r) { return r.json(); })
        .then(function(j) { text("control-result", j.accepted ? "sent " + j.accepted : j.error); });
    });
  });

  function connect() {
    var proto = location.protocol === "https:" ? "wss://" : "ws://";
    var ws = new WebSocket(proto + location.host + "/ws");
    ws.onopen = function() { dot.className = "live-dot ok"; dot.title = "live"; };
    ws.onclose = function() { dot.className = "live-dot err"; dot.title = "offline"; setTimeout(connect, 5000); };
    ws.onmessage = function(m) {
      try {
        var s = JSON.parse(m.data).status;
        text("phase", s.phase);
        if (s.temperature) {
          var el = document.getElementById("temp");
          el.textContent = s.temperature.actual.toFixed(2) + " °C (" + s.temperature.sensor.toFixed(2) + " sensor, " + s.temperature.source + ")";
          el.className = s.temperature.source;
        }
        text("current", s.output.current.toFixed(3) + " A");
        if (s.output.voltage !== undefined) text("voltage", s.output.voltage.toFixed(3));
        text("elapsed", s.heating.started ? Math.floor(s.heating.elapsed_seconds) + "s" : "not started");
        text("failed", s.failed_reads);
      } catch (e) {}
    };
  }
  connect();
})();
</script>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
