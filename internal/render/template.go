package render

// documentHTML is the built-in print document. The default variant shows the
// full meta table and sanitized HTML bodies; minimal renders plain-text
// bodies only; compact tightens spacing for long tickets.
const documentHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Ticket {{.Ticket.Number}}</title>
<style>
  @page { size: A4; margin: 18mm 16mm; }
  body { font-family: "Helvetica Neue", Helvetica, Arial, sans-serif; font-size: {{if .Compact}}9pt{{else}}10.5pt{{end}}; color: #1a1a1a; }
  h1 { font-size: 15pt; margin: 0 0 2mm 0; }
  .subtitle { color: #555; margin-bottom: 6mm; }
  table.meta { border-collapse: collapse; width: 100%; margin-bottom: 6mm; }
  table.meta td { border: 0.3pt solid #bbb; padding: 1.2mm 2mm; vertical-align: top; }
  table.meta td.key { width: 30%; background: #f3f3f3; font-weight: bold; }
  .capnote { background: #fff3cd; border: 0.3pt solid #d6b656; padding: 2mm; margin-bottom: 4mm; }
  .article { border: 0.3pt solid #ccc; margin-bottom: {{if .Compact}}2mm{{else}}4mm{{end}}; page-break-inside: avoid; }
  .article-head { background: #f3f3f3; padding: 1.5mm 2mm; font-size: 9pt; }
  .article-head .internal { color: #8a2525; font-weight: bold; }
  .article-body { padding: 2mm; }
  .article-body pre { white-space: pre-wrap; font-family: inherit; margin: 0; }
  ul.attachments { margin: 1mm 0 0 0; padding-left: 5mm; font-size: 8.5pt; color: #444; }
  blockquote { border-left: 1mm solid #ddd; margin-left: 0; padding-left: 3mm; color: #555; }
  img { max-width: 100%; }
</style>
</head>
<body>
<h1>Ticket {{.Ticket.Number}}</h1>
<div class="subtitle">{{.Ticket.Title}}</div>

<table class="meta">
  <tr><td class="key">Ticket</td><td>#{{.Ticket.Number}} (ID {{.Ticket.ID}})</td></tr>
  <tr><td class="key">Erstellt</td><td>{{.Meta.TicketCreated}}</td></tr>
  <tr><td class="key">Aktualisiert</td><td>{{.Meta.TicketUpdated}}</td></tr>
  {{- if not .Minimal}}
  <tr><td class="key">Kunde</td><td>{{.Meta.CustomerLabel}}</td></tr>
  <tr><td class="key">Bearbeiter</td><td>{{.Meta.OwnerLabel}}</td></tr>
  <tr><td class="key">Tags</td><td>{{join .Ticket.Tags ", "}}</td></tr>
  {{- end}}
  <tr><td class="key">Archiviert am</td><td>{{.GeneratedAt}}</td></tr>
</table>

{{- if .Meta.Capped}}
<div class="capnote">Hinweis: {{.Meta.ShownArticles}} von {{.Meta.TotalArticles}} Artikeln enthalten (Limit erreicht).</div>
{{- end}}

{{- range .Articles}}
<div class="article">
  <div class="article-head">
    <strong>{{if .Sender}}{{.Sender}}{{else}}&mdash;{{end}}</strong>
    &middot; {{.CreatedAt}}
    {{- if .Subject}} &middot; {{.Subject}}{{end}}
    {{- if .Internal}} <span class="internal">[intern]</span>{{end}}
  </div>
  <div class="article-body">
    {{- if and .BodyHTML (not $.Minimal)}}
    {{.BodyHTML}}
    {{- else}}
    <pre>{{.BodyText}}</pre>
    {{- end}}
    {{- if .Attachments}}
    <ul class="attachments">
      {{- range .Attachments}}
      <li>{{.Filename}}{{with humanSize .Size}} ({{.}}){{end}}</li>
      {{- end}}
    </ul>
    {{- end}}
  </div>
</div>
{{- end}}
</body>
</html>
`
