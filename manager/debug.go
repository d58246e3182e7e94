package manager

import (
	"html/template"
	"net/http"
)

const debugText = `<html>
	<body>
	<title>frame-rpc channels</title>
	{{range .}}
	<hr>
	Channel {{.ID}} → {{if .Origin}}{{.Origin}}{{else}}(handshake pending){{end}}
	<hr>
		<table>
		<th align=center>Pending calls</th><th align=center>Registered objects</th>
			<tr>
			<td align=center>{{.Pending}}</td>
			<td align=left font=fixed>{{range .Objects}}{{.}} {{end}}</td>
			</tr>
		</table>
	{{end}}
	</body>
	</html>`

var debug = template.Must(template.New("RPC debug").Parse(debugText))

// DebugHTTP serves an HTML page listing a manager's channels.
type DebugHTTP struct {
	*Manager
}

type debugChannel struct {
	ID      int64
	Origin  string
	Pending int
	Objects []string
}

func (d DebugHTTP) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var channels []*debugChannel
	for _, ch := range d.Channels() {
		channels = append(channels, &debugChannel{
			ID:      ch.ID(),
			Origin:  ch.TargetOrigin(),
			Pending: ch.Pending(),
			Objects: ch.ObjectRegistry().IDs(),
		})
	}
	err := debug.Execute(w, channels)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
