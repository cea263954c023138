package admin

import (
	_ "embed"
)

// OpenAPISpec is the embedded API description.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
