// Package api carries the OpenAPI document for the HTTP service.
package api

import _ "embed"

// OpenAPISpec is the raw openapi.yaml
//
//go:embed openapi.yaml
var OpenAPISpec []byte
