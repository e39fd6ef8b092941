// Package templates holds the setup pages served by the server and the
// camera driver.
package templates

import (
	"embed"
	"html/template"
	"strings"
)

//go:embed *.html
var FS embed.FS

var funcs = template.FuncMap{
	"lower": strings.ToLower,
}

// LoadTemplates loads all templates from the embedded filesystem
func LoadTemplates() (*template.Template, error) {
	return template.New("").Funcs(funcs).ParseFS(FS, "*.html")
}
