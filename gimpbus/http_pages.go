// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package gimpbus

import (
	"fmt"
	"html"
	"net/http"
	"strings"
)

// --- HTML templates ---

const notFoundHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>404 &mdash; gimp-dbus endpoint</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 600px;
         margin: 60px auto; padding: 0 20px; color: #333; text-align: center; }
  h1 { color: #555; }
  code { background: #f4f4f4; padding: 2px 6px; border-radius: 3px; font-size: 0.95em; }
  p { line-height: 1.6; }
</style>
</head>
<body>
<h1>404 &mdash; Not Found</h1>
<p>This is a <code>gimp-dbus</code> bridge endpoint%s.</p>
<p>Calls are posted to <code>%s/&lt;method&gt;</code> as Arrow IPC streams.</p>
</body>
</html>`

const landingHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s &mdash; gimp-dbus</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 900px;
         margin: 0 auto; padding: 40px 20px 0; color: #2c2c1e; background: #faf8f0; }
  h1 { color: #2d5016; margin-bottom: 4px; font-weight: 700; text-align: center; }
  .meta { color: #6b6b5a; font-size: 0.9em; text-align: center; }
  code { font-family: monospace; background: #f0ece0;
          padding: 2px 6px; border-radius: 3px; font-size: 0.85em; }
  .card { border: 1px solid #f0ece0; border-radius: 8px; padding: 16px 20px;
           margin-bottom: 12px; background: #fff; }
  .card-header { display: flex; align-items: center; gap: 10px; margin-bottom: 8px; }
  .method-name { font-family: monospace; font-size: 1.05em; font-weight: 600; color: #2d5016; }
  .badge { display: inline-block; padding: 2px 8px; border-radius: 4px;
            font-size: 0.75em; font-weight: 600; text-transform: uppercase; }
  .badge-pdb { background: #e8f5e0; color: #2d5016; }
  .badge-plus { background: #e0ecf5; color: #1a4a6b; }
  .doc { color: #6b6b5a; margin: 4px 0 8px; }
  table { width: 100%%; border-collapse: collapse; font-size: 0.9em; }
  th { text-align: left; padding: 6px 10px; background: #f0ece0; font-weight: 600; }
  td { padding: 6px 10px; border-bottom: 1px solid #f0ece0; }
  .no-params { color: #6b6b5a; font-style: italic; font-size: 0.9em; }
  .section-label { font-size: 0.8em; font-weight: 600; text-transform: uppercase;
                    color: #6b6b5a; margin-top: 10px; margin-bottom: 4px; }
</style>
</head>
<body>
<h1>%s</h1>
<p class="meta">object <code>%s</code> &middot; server <code>%s</code> &middot; %d methods</p>
<p class="meta">POST Arrow IPC request streams to <code>%s/&lt;method&gt;</code>;
<code>%s/__describe__</code> returns this table as a record batch.</p>
%s
</body>
</html>`

// --- Page builders ---

func buildNotFoundHTML(prefix, serviceName string) []byte {
	var fragment string
	if serviceName != "" {
		fragment = " serving <strong>" + html.EscapeString(serviceName) + "</strong>"
	}
	return []byte(fmt.Sprintf(notFoundHTMLTemplate,
		fragment,
		html.EscapeString(prefix),
	))
}

func buildLandingHTML(prefix, serviceName, serverID string, methods []MethodDesc) []byte {
	if serviceName == "" {
		serviceName = ServiceName
	}
	var cards strings.Builder
	for _, m := range methods {
		buildMethodCard(&cards, m)
	}
	return []byte(fmt.Sprintf(landingHTMLTemplate,
		html.EscapeString(serviceName), // <title>
		html.EscapeString(serviceName), // <h1>
		html.EscapeString(ObjectPath),
		html.EscapeString(serverID),
		len(methods),
		html.EscapeString(prefix),
		html.EscapeString(prefix),
		cards.String(),
	))
}

func buildMethodCard(w *strings.Builder, m MethodDesc) {
	badgeClass, badgeLabel := "badge-pdb", "pdb"
	if m.Builtin() {
		badgeClass, badgeLabel = "badge-plus", "built-in"
	}

	w.WriteString(`<div class="card">`)
	w.WriteString(`<div class="card-header">`)
	fmt.Fprintf(w, `<span class="method-name">%s</span>`, html.EscapeString(m.Name))
	fmt.Fprintf(w, `<span class="badge %s">%s</span>`, badgeClass, badgeLabel)
	if !m.Builtin() && m.Procedure != m.Name {
		fmt.Fprintf(w, `<code>%s</code>`, html.EscapeString(m.Procedure))
	}
	w.WriteString(`</div>`)

	if m.Doc != "" {
		fmt.Fprintf(w, `<p class="doc">%s</p>`, html.EscapeString(m.Doc))
	}

	writeArgTable(w, "Parameters", m.In, !m.Builtin())
	if len(m.Out) > 0 {
		writeArgTable(w, "Returns", m.Out, !m.Builtin())
	}

	w.WriteString(`</div>`)
	w.WriteString("\n")
}

func writeArgTable(w *strings.Builder, label string, args []ArgDesc, withTypes bool) {
	if len(args) == 0 {
		w.WriteString(`<p class="no-params">No parameters</p>`)
		return
	}
	fmt.Fprintf(w, `<div class="section-label">%s</div>`, label)
	if withTypes {
		w.WriteString(`<table><tr><th>Name</th><th>Signature</th><th>Type</th><th>Description</th></tr>`)
	} else {
		w.WriteString(`<table><tr><th>Name</th><th>Signature</th></tr>`)
	}
	for _, a := range args {
		fmt.Fprintf(w, `<tr><td><code>%s</code></td><td><code>%s</code></td>`,
			html.EscapeString(a.Name), html.EscapeString(a.Signature))
		if withTypes {
			fmt.Fprintf(w, `<td>%s</td><td>%s</td>`,
				html.EscapeString(a.Type), html.EscapeString(a.Description))
		}
		w.WriteString(`</tr>`)
	}
	w.WriteString(`</table>`)
}

// --- HTTP handlers ---

func (h *HttpServer) handleLandingPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.landingHTML)
}

func (h *HttpServer) handleNotFound(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write(h.notFoundHTML)
}
