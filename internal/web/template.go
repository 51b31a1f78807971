package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/uwb-tdma/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
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
	},
	"seconds": func(f float64) string {
		return fmt.Sprintf("%.3fs", f)
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>UWB node {{.Config.NodeID}}</title>
<style>
body { font-family: monospace; max-width: 700px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.synced { color: green; font-weight: bold; }
.unsynced { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>UWB node {{.Config.NodeID}}</h1>

<h2>Protocol</h2>
<table>
<tr><th>State</th><td id="state">{{.Protocol.State}}</td></tr>
<tr><th>Logical clock</th><td>{{seconds .Protocol.Clock}}</td></tr>
<tr><th>Synchronized</th><td class="{{if .Protocol.Synced}}synced{{else}}unsynced{{end}}">{{if .Protocol.Synced}}yes{{else}}no{{end}}</td></tr>
<tr><th>Frame / slot</th><td>{{.Protocol.Frame}} / {{.Protocol.Slot}}</td></tr>
<tr><th>Send slots</th><td id="send-slots">{{range $i, $s := .Protocol.SendSlots}}{{if $i}}, {{end}}{{$s}}{{else}}none{{end}}</td></tr>
<tr><th>Anchors</th><td>{{range $i, $a := .Protocol.Anchors}}{{if $i}}, {{end}}{{$a}}{{else}}none{{end}}</td></tr>
</table>

<h2>Neighbors</h2>
<table>
<tr><th>ID</th><td>State</td></tr>
{{range .Protocol.Neighbors}}<tr><th>{{.ID}}</th><td class="{{if .Synced}}synced{{else}}unsynced{{end}}">{{.State}}</td></tr>
{{else}}<tr><th>alone</th><td></td></tr>
{{end}}</table>

<h2>Counters</h2>
<table>
<tr><th>Cycles</th><td>{{.Protocol.Counts.Cycles}}</td></tr>
<tr><th>Transitions</th><td>{{.Protocol.Counts.Transitions}}</td></tr>
<tr><th>Frames received / dropped / sent</th><td>{{.Protocol.Counts.FramesReceived}} / {{.Protocol.Counts.FramesDropped}} / {{.Protocol.Counts.FramesSent}}</td></tr>
<tr><th>Estimator updates</th><td>{{.Protocol.Counts.Updates}}</td></tr>
<tr><th>Radio resets</th><td>{{.Protocol.Counts.RadioResets}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Serial port</th><td>{{.Config.Port}}{{if .Config.Firmware}} (firmware {{.Config.Firmware}}){{end}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
{{if .Host}}<tr><th>Load</th><td>{{printf "%.2f %.2f %.2f" .Host.Load1 .Host.Load5 .Host.Load15}}</td></tr>
<tr><th>Memory used</th><td>{{printf "%.1f%%" .Host.MemUsedPercent}}</td></tr>{{end}}
<tr><th>Task slot</th><td>{{.Config.TaskSlotMs}}ms &times; {{.Config.NbTaskSlots}}</td></tr>
<tr><th>Sync period</th><td>{{.Config.SyncPeriodMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Run</th><td>{{.Config.RunID}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> · <a href="/metrics">metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has an Uptime method but the template needs a field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render index: %v", err)
	}
}
