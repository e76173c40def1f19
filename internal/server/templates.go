package server

import (
	"bytes"
	"fmt"
	"html/template"
)

const (
	siteName   = "GramFix"
	themeColor = "#0084ff"
)

// embedData feeds the crawler-facing page. Only meta tags matter to the
// consumers; the body is a courtesy for humans whose browser ignored the
// refresh.
type embedData struct {
	Title       string
	Description string
	PostURL     string
	ImageURL    string
	VideoURL    string
}

var embedTmpl = template.Must(template.New("embed").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="utf-8"/>
    <meta property="theme-color" content="` + themeColor + `"/>

    <link rel="canonical" href="{{.PostURL}}"/>
    <meta property="og:url" content="{{.PostURL}}"/>
    <meta http-equiv="refresh" content="0; url={{.PostURL}}"/>

    <meta property="og:title" content="{{.Title}}"/>
    <meta property="twitter:title" content="{{.Title}}"/>
    <meta property="og:site_name" content="` + siteName + `"/>
{{- if .Description}}
    <meta property="og:description" content="{{.Description}}"/>
{{- end}}
{{- if .ImageURL}}
    <meta property="og:image" content="{{.ImageURL}}"/>
    <meta property="twitter:card" content="summary_large_image"/>
    <meta property="twitter:image" content="{{.ImageURL}}"/>
{{- end}}
{{- if .VideoURL}}
    <meta property="og:video" content="{{.VideoURL}}"/>
    <meta property="og:video:secure_url" content="{{.VideoURL}}"/>
    <meta property="og:video:type" content="video/mp4"/>

    <meta property="twitter:card" content="player"/>
    <meta property="twitter:player:stream" content="{{.VideoURL}}"/>
    <meta property="twitter:player:stream:content_type" content="video/mp4"/>
{{- end}}
</head>
<body>
    Redirecting you to the post in a moment.
    <a href="{{.PostURL}}">Or click here.</a>
</body>
</html>
`))

type errorData struct {
	PostURL string
	Reason  string
}

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <link rel="canonical" href="{{.PostURL}}"/>
    <meta property="og:url" content="{{.PostURL}}"/>
    <meta property="twitter:site" content="` + siteName + `"/>
    <meta property="twitter:creator" content="` + siteName + `"/>
    <meta property="theme-color" content="` + themeColor + `"/>
    <meta property="twitter:title" content="` + siteName + `"/>
    <meta http-equiv="refresh" content="0; url={{.PostURL}}"/>

    <meta property="og:title" content="` + siteName + `"/>
    <meta property="og:description" content="Post might be blocked. Reason: &#39;{{.Reason}}&#39;"/>
    <meta property="og:site_name" content="` + siteName + `"/>
    <meta property="twitter:card" content="summary"/>
</head>
<body>
    Redirecting you to the post in a moment.
    <a href="{{.PostURL}}">Or click here.</a>
</body>
</html>
`))

func renderEmbed(d embedData) ([]byte, error) {
	var buf bytes.Buffer
	if err := embedTmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render embed page: %w", err)
	}
	return buf.Bytes(), nil
}

func renderError(d errorData) ([]byte, error) {
	var buf bytes.Buffer
	if err := errorTmpl.Execute(&buf, d); err != nil {
		return nil, fmt.Errorf("render error page: %w", err)
	}
	return buf.Bytes(), nil
}
