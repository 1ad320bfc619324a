package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"gopkg.in/yaml.v3"
)

// setupSwaggerRoutes serves the embedded OpenAPI document and a Swagger UI page
func (s *Server) setupSwaggerRoutes(r *mux.Router) {
	r.HandleFunc("/docs/openapi.yaml", s.handleOpenAPISpec).Methods(http.MethodGet)
	r.HandleFunc("/docs/openapi.json", s.handleOpenAPISpec).Methods(http.MethodGet)
	r.HandleFunc("/docs", s.handleSwaggerUI).Methods(http.MethodGet)
	r.HandleFunc("/docs/", s.handleSwaggerUI).Methods(http.MethodGet)
}

// handleOpenAPISpec serves the OpenAPI document as YAML or JSON
func (s *Server) handleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(s.config.OpenAPI) == 0 {
		s.writeErrorResponse(w, http.StatusNotFound, "OpenAPI spec not found")
		return
	}

	if !strings.HasSuffix(r.URL.Path, ".json") {
		w.Header().Set("Content-Type", "application/yaml")
		_, _ = w.Write(s.config.OpenAPI)
		return
	}

	var spec interface{}
	if err := yaml.Unmarshal(s.config.OpenAPI, &spec); err != nil {
		s.logger.WithError(err).Error("Failed to parse OpenAPI spec")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Error parsing OpenAPI spec")
		return
	}

	jsonData, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Error converting to JSON")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(jsonData)
}

// handleSwaggerUI serves the Swagger UI page pointing at the YAML document
func (s *Server) handleSwaggerUI(w http.ResponseWriter, r *http.Request) {
	specURL := fmt.Sprintf("%s/docs/openapi.yaml", getBaseURL(r))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprintf(w, swaggerPage, specURL)
}

const swaggerPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Provider Router - API Documentation</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui.css" />
    <style>
        body { margin: 0; background: #fafafa; }
        .swagger-ui .topbar { display: none; }
    </style>
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5.9.0/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({
                url: '%s',
                dom_id: '#swagger-ui',
                deepLinking: true,
                docExpansion: "list",
                validatorUrl: null
            });
        };
    </script>
</body>
</html>`

// getBaseURL extracts the base URL from the request
func getBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	// reverse proxies
	if forwardedProto := r.Header.Get("X-Forwarded-Proto"); forwardedProto != "" {
		scheme = forwardedProto
	}

	host := r.Host
	if forwardedHost := r.Header.Get("X-Forwarded-Host"); forwardedHost != "" {
		host = forwardedHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}
