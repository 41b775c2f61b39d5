// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/eduops-messaging/internal/model"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {key} placeholders from data. Keys with no value
// are left as written so a missing field is visible in the sent text.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// renderBody fills body placeholders from message metadata.
func renderBody(body string, metadata model.JSONMap) string {
	if len(metadata) == 0 || !placeholderPattern.MatchString(body) {
		return body
	}
	data := make(map[string]string)
	for _, m := range placeholderPattern.FindAllStringSubmatch(body, -1) {
		if _, ok := metadata[m[1]]; ok {
			data[m[1]] = metadata.String(m[1])
		}
	}
	return RenderTemplate(body, data)
}
