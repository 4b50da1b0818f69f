package api

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"gatekeeper/internal/models"
	"net/http"

	"gopkg.in/yaml.v3"
)

//go:embed openapi/openapi.yaml
var openAPIDocument []byte

// renderOpenAPI parses the embedded document and stamps info.version with the
// running release, so clients see the API revision they are talking to.
// An empty release keeps the version written in the file.
func renderOpenAPI(release string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(openAPIDocument, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, errors.New("OpenAPI document is not a mapping")
	}
	root := doc.Content[0]
	if mappingValue(root, "openapi") == nil || mappingValue(root, "paths") == nil {
		return nil, errors.New("OpenAPI document lacks openapi or paths")
	}

	if release != "" {
		if info := mappingValue(root, "info"); info != nil {
			if v := mappingValue(info, "version"); v != nil {
				v.Value = release
				v.Style = yaml.DoubleQuotedStyle
			}
		}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode OpenAPI document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode OpenAPI document: %w", err)
	}
	return buf.Bytes(), nil
}

// mappingValue returns the value node for key in a YAML mapping, or nil.
func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// ServeOpenAPISpec serves the OpenAPI 3.0.3 document as YAML.
// GET /api/v1/openapi.yaml
func (h *Handlers) ServeOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	h.openAPIOnce.Do(func() {
		h.openAPI, h.openAPIErr = renderOpenAPI(h.version.Release())
		if h.openAPIErr != nil {
			h.logger.Error("Failed to render OpenAPI document", "error", h.openAPIErr)
		}
	})
	if h.openAPIErr != nil {
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "OpenAPI document unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openAPI)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
  <title>Gatekeeper API - Documentation</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: '/api/v1/openapi.yaml',
      dom_id: '#swagger-ui',
      presets: [
        SwaggerUIBundle.presets.apis,
        SwaggerUIBundle.SwaggerUIStandalonePreset
      ],
      layout: 'BaseLayout',
      deepLinking: true,
      displayRequestDuration: true
    });
  </script>
</body>
</html>`

// ServeSwaggerUI serves an interactive Swagger UI that loads the OpenAPI document.
func (h *Handlers) ServeSwaggerUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(swaggerUIHTML))
}
