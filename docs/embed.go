// Package docs holds the service's OpenAPI document.
package docs

import _ "embed"

// OpenAPI is the OpenAPI 3 document in YAML
//
//go:embed openapi.yaml
var OpenAPI []byte
