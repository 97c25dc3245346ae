package openapi

import (
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
)

// Options describes the deployment a document is generated for.
type Options struct {
	BaseURL   string
	Version   string
	KeyHeader string
}

const (
	schemeAPIKey = "apiKey"
	schemeBearer = "bearerAuth"
	schemeAdmin  = "adminJWT"
)

// Generate builds the OpenAPI document for the gateway's HTTP surface.
func Generate(opts Options) *openapi3.T {
	if opts.KeyHeader == "" {
		opts.KeyHeader = "X-API-Key"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.0.3",
		Info: &openapi3.Info{
			Title:       "keygate API",
			Description: "API-key gateway with permission checks, usage logging and tiered rate limiting.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		schemeAPIKey: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: opts.KeyHeader},
		},
		schemeBearer: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", Description: "API key sent as a bearer token."},
		},
		schemeAdmin: &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT", Description: "Admin token issued by `keygate admin token`."},
		},
	}
	doc.Components = &components
	doc.Paths = openapi3.NewPaths()

	addHealthPaths(doc)
	addPublicPaths(doc)
	addKeyPaths(doc)
	addAdminPaths(doc)
	return doc
}

func addHealthPaths(doc *openapi3.T) {
	status := objectSchema(openapi3.Schemas{"status": stringSchema()})
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: operation("health", "healthz", "Liveness probe", nil, nil, newResponses(http.StatusOK, "Process is running", status)),
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: operation("health", "readyz", "Readiness probe: store and counter backend", nil, nil,
			newResponses(http.StatusOK, "All dependencies reachable", status, http.StatusServiceUnavailable)),
	})
}

func addPublicPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/public/status", &openapi3.PathItem{
		Get: operation("public", "publicStatus", "Gateway status", nil, nil,
			newResponses(http.StatusOK, "Gateway is up", objectSchema(openapi3.Schemas{
				"status":  stringSchema(),
				"service": stringSchema(),
				"version": stringSchema(),
				"time":    dateTimeSchema(),
			}), http.StatusTooManyRequests)),
	})

	verify := operation("auth", "verifyKey", "Check whether an API key is valid", nil,
		jsonBody(objectSchema(openapi3.Schemas{"api_key": stringSchema()}, "api_key")),
		newResponses(http.StatusOK, "Verification result", ref("VerifyResult"), http.StatusBadRequest, http.StatusTooManyRequests, http.StatusInternalServerError))
	doc.Paths.Set("/api/v1/auth/verify", &openapi3.PathItem{Post: verify})
}

func addKeyPaths(doc *openapi3.T) {
	keySecurity := &openapi3.SecurityRequirements{{schemeAPIKey: {}}, {schemeBearer: {}}}
	gated := []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusInternalServerError}

	me := operation("key", "me", "Metadata of the calling key", keySecurity, nil,
		newResponses(http.StatusOK, "Calling key", ref("APIKey"), gated...))
	doc.Paths.Set("/api/v1/me", &openapi3.PathItem{Get: me})

	usage := operation("key", "myUsage", "Usage statistics of the calling key", keySecurity, nil,
		newResponses(http.StatusOK, "Aggregated usage", ref("UsageStats"), append(gated, http.StatusBadRequest)...))
	usage.Parameters = rangeParameters()
	doc.Paths.Set("/api/v1/me/usage", &openapi3.PathItem{Get: usage})

	logs := operation("key", "myUsageLogs", "Usage log entries of the calling key", keySecurity, nil,
		newResponses(http.StatusOK, "One page of entries", listSchema("UsageLogEntry"), append(gated, http.StatusBadRequest)...))
	logs.Parameters = append(rangeParameters(), pageParameters()...)
	doc.Paths.Set("/api/v1/me/usage/logs", &openapi3.PathItem{Get: logs})

	export := operation("key", "exportMyUsage", "Export the calling key's usage log as CSV", keySecurity, nil,
		csvResponses(gated...))
	export.Parameters = append(rangeParameters(), queryParameter("limit", "Maximum rows exported.", integerSchema()))
	doc.Paths.Set("/api/v1/me/usage/export", &openapi3.PathItem{Get: export})

	echo := operation("key", "echo", "Echo a JSON body; requires write permission", keySecurity,
		jsonBody(&openapi3.SchemaRef{Value: &openapi3.Schema{}}),
		newResponses(http.StatusOK, "Echoed body", objectSchema(openapi3.Schemas{
			"received":   {Value: &openapi3.Schema{}},
			"request_id": stringSchema(),
			"key_id":     int64Schema(),
		}), append(gated, http.StatusBadRequest)...))
	doc.Paths.Set("/api/v1/echo", &openapi3.PathItem{Post: echo})
}

func addAdminPaths(doc *openapi3.T) {
	adminSecurity := &openapi3.SecurityRequirements{{schemeAdmin: {}}}
	errs := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests, http.StatusInternalServerError}
	const base = "/api/v1/system"

	list := operation("admin", "listAPIKeys", "List API keys", adminSecurity, nil,
		newResponses(http.StatusOK, "One page of keys", listSchema("APIKey"), errs...))
	list.Parameters = append(openapi3.Parameters{
		queryParameter("active", "Filter by active flag.", booleanSchema()),
		queryParameter("permission", "Filter by permission level.", enumSchema("read", "write", "read_write")),
		queryParameter("tier", "Filter by tier.", enumSchema("basic", "standard", "premium", "enterprise")),
		queryParameter("search", "Substring of the key name.", stringSchema()),
	}, pageParameters()...)
	create := operation("admin", "createAPIKey", "Issue an API key; the plaintext is returned once", adminSecurity,
		jsonBody(ref("APIKeyCreate")), newResponses(http.StatusCreated, "Issued key", ref("APIKeyCreated"), errs...))
	doc.Paths.Set(base+"/api-key", &openapi3.PathItem{Get: list, Post: create})

	keyID := pathParameter("keyId", "API key ID.")
	get := operation("admin", "getAPIKey", "Get an API key", adminSecurity, nil,
		newResponses(http.StatusOK, "Key", ref("APIKey"), append(errs, http.StatusNotFound)...))
	update := operation("admin", "updateAPIKey", "Update name, permission, tier or expiry", adminSecurity,
		jsonBody(ref("APIKeyUpdate")), newResponses(http.StatusOK, "Updated key", ref("APIKey"), append(errs, http.StatusNotFound)...))
	doc.Paths.Set(base+"/api-key/{keyId}", &openapi3.PathItem{
		Get:        get,
		Patch:      update,
		Parameters: openapi3.Parameters{keyID},
	})

	status := operation("admin", "setAPIKeyStatus", "Enable or disable an API key", adminSecurity,
		jsonBody(objectSchema(openapi3.Schemas{"active": booleanSchema()}, "active")),
		newResponses(http.StatusOK, "Updated key", ref("APIKey"), append(errs, http.StatusNotFound)...))
	doc.Paths.Set(base+"/api-key/{keyId}/status", &openapi3.PathItem{
		Put:        status,
		Parameters: openapi3.Parameters{keyID},
	})

	keyFilter := queryParameter("api_key_id", "Restrict to one key.", int64Schema())

	stats := operation("admin", "usageStats", "Aggregated usage", adminSecurity, nil,
		newResponses(http.StatusOK, "Aggregated usage", ref("UsageStats"), errs...))
	stats.Parameters = append(rangeParameters(), keyFilter)
	doc.Paths.Set(base+"/usage/stats", &openapi3.PathItem{Get: stats})

	hourly := operation("admin", "usageHourly", "Usage per UTC hour of one day", adminSecurity, nil,
		newResponses(http.StatusOK, "24 hour buckets", objectSchema(openapi3.Schemas{
			"date":  stringSchema(),
			"hours": arraySchema(ref("HourlyBucket")),
		}), errs...))
	hourly.Parameters = openapi3.Parameters{
		queryParameter("date", "Day as YYYY-MM-DD; defaults to today (UTC).", dateSchema()),
		keyFilter,
	}
	doc.Paths.Set(base+"/usage/hourly", &openapi3.PathItem{Get: hourly})

	logs := operation("admin", "usageLogs", "List usage log entries", adminSecurity, nil,
		newResponses(http.StatusOK, "One page of entries", listSchema("UsageLogEntry"), errs...))
	logs.Parameters = append(append(rangeParameters(), keyFilter), pageParameters()...)
	purge := operation("admin", "purgeUsageLogs", "Delete entries older than a number of days", adminSecurity, nil,
		newResponses(http.StatusOK, "Purge result", objectSchema(openapi3.Schemas{
			"deleted":      int64Schema(),
			"days_to_keep": integerSchema(),
		}), errs...))
	days := queryParameter("days", "Days of history to keep; at least 1.", integerSchema())
	days.Value.Required = true
	purge.Parameters = openapi3.Parameters{days}
	doc.Paths.Set(base+"/usage/logs", &openapi3.PathItem{Get: logs, Delete: purge})
}

func componentSchemas() openapi3.Schemas {
	permission := enumSchema("read", "write", "read_write")
	tier := enumSchema("basic", "standard", "premium", "enterprise")

	apiKey := objectSchema(openapi3.Schemas{
		"id":         int64Schema(),
		"key_prefix": stringSchema(),
		"name":       stringSchema(),
		"permission": permission,
		"tier":       tier,
		"is_active":  booleanSchema(),
		"expires_at": dateTimeSchema(),
		"created_at": dateTimeSchema(),
		"updated_at": dateTimeSchema(),
		"last_used":  dateTimeSchema(),
	}, "id", "key_prefix", "name", "permission", "tier", "is_active")

	created := objectSchema(openapi3.Schemas{}, "api_key")
	for name, s := range apiKey.Value.Properties {
		created.Value.Properties[name] = s
	}
	created.Value.Properties["api_key"] = &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:        &openapi3.Types{"string"},
		Description: "Plaintext key. Shown once and never retrievable again.",
	}}

	return openapi3.Schemas{
		"ErrorResponse": objectSchema(openapi3.Schemas{
			"error": objectSchema(openapi3.Schemas{
				"code":    enumSchema("MISSING_API_KEY", "INVALID_API_KEY", "INSUFFICIENT_PERMISSIONS", "RATE_LIMIT_EXCEEDED", "AUTH_ERROR", "BAD_REQUEST", "NOT_FOUND", "UNAUTHORIZED", "FORBIDDEN", "INTERNAL_ERROR"),
				"status":  integerSchema(),
				"message": stringSchema(),
				"context": {Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
			}, "code", "status", "message"),
		}, "error"),
		"APIKey":        apiKey,
		"APIKeyCreated": created,
		"APIKeyCreate": objectSchema(openapi3.Schemas{
			"name":       stringSchema(),
			"permission": permission,
			"tier":       tier,
			"expires_at": dateTimeSchema(),
		}, "name", "permission"),
		"APIKeyUpdate": objectSchema(openapi3.Schemas{
			"name":         stringSchema(),
			"permission":   permission,
			"tier":         tier,
			"expires_at":   dateTimeSchema(),
			"clear_expiry": booleanSchema(),
		}),
		"VerifyResult": objectSchema(openapi3.Schemas{
			"valid":      booleanSchema(),
			"reason":     enumSchema("invalid", "expired"),
			"name":       stringSchema(),
			"permission": permission,
			"tier":       tier,
			"expires_at": dateTimeSchema(),
		}, "valid"),
		"UsageStats": objectSchema(openapi3.Schemas{
			"total_requests":       int64Schema(),
			"avg_response_time_ms": numberSchema(),
			"success_count":        int64Schema(),
			"client_error_count":   int64Schema(),
			"server_error_count":   int64Schema(),
		}),
		"HourlyBucket": objectSchema(openapi3.Schemas{
			"hour":                 integerSchema(),
			"requests":             int64Schema(),
			"avg_response_time_ms": numberSchema(),
		}),
		"UsageLogEntry": objectSchema(openapi3.Schemas{
			"id":               int64Schema(),
			"api_key_id":       int64Schema(),
			"request_id":       stringSchema(),
			"endpoint":         stringSchema(),
			"method":           stringSchema(),
			"request_body":     stringSchema(),
			"status":           integerSchema(),
			"response_time_ms": int64Schema(),
			"client_ip":        stringSchema(),
			"user_agent":       stringSchema(),
			"error_code":       stringSchema(),
			"error_message":    stringSchema(),
			"created_at":       dateTimeSchema(),
		}),
		"ResponseMeta": objectSchema(openapi3.Schemas{
			"count":  integerSchema(),
			"total":  int64Schema(),
			"limit":  integerSchema(),
			"offset": integerSchema(),
		}),
	}
}

func operation(tag, id, summary string, security *openapi3.SecurityRequirements, body *openapi3.RequestBodyRef, responses *openapi3.Responses) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		RequestBody: body,
		Responses:   responses,
	}
	if security != nil {
		op.Security = security
	} else {
		op.Security = &openapi3.SecurityRequirements{}
	}
	return op
}

// newResponses builds a success response plus one ErrorResponse entry for
// each status in errs.
func newResponses(status int, description string, schema *openapi3.SchemaRef, errs ...int) *openapi3.Responses {
	responses := openapi3.NewResponses(openapi3.WithStatus(status, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	}))
	addErrorResponses(responses, errs)
	return responses
}

func csvResponses(errs ...int) *openapi3.Responses {
	content := openapi3.Content{
		"text/csv": &openapi3.MediaType{Schema: stringSchema()},
	}
	responses := openapi3.NewResponses(openapi3.WithStatus(http.StatusOK, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().WithDescription("CSV file").WithContent(content),
	}))
	addErrorResponses(responses, errs)
	return responses
}

func addErrorResponses(responses *openapi3.Responses, errs []int) {
	for _, code := range errs {
		responses.Set(fmt.Sprint(code), &openapi3.ResponseRef{
			Value: openapi3.NewResponse().
				WithDescription(http.StatusText(code)).
				WithContent(openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse"))),
		})
	}
}

func jsonBody(schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().
			WithRequired(true).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	}
}

func rangeParameters() openapi3.Parameters {
	return openapi3.Parameters{
		queryParameter("from", "Start of the range, RFC 3339 or YYYY-MM-DD.", stringSchema()),
		queryParameter("to", "End of the range, RFC 3339 or YYYY-MM-DD.", stringSchema()),
	}
}

func pageParameters() openapi3.Parameters {
	return openapi3.Parameters{
		queryParameter("limit", "Maximum records returned per page.", integerSchema()),
		queryParameter("offset", "Number of records skipped.", integerSchema()),
	}
}

func queryParameter(name, description string, schema *openapi3.SchemaRef) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:        name,
		In:          openapi3.ParameterInQuery,
		Description: description,
		Schema:      schema,
	}}
}

func pathParameter(name, description string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:        name,
		In:          openapi3.ParameterInPath,
		Description: description,
		Required:    true,
		Schema:      int64Schema(),
	}}
}

// ref points at a component schema. The value is resolved here so the
// document validates without a loader pass.
func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, componentSchemas()[name].Value)
}

func listSchema(item string) *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"resource": arraySchema(ref(item)),
		"meta":     ref("ResponseMeta"),
	}, "resource")
}

func objectSchema(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

func arraySchema(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}}
}

func enumSchema(values ...string) *openapi3.SchemaRef {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: enum}}
}

func stringSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
}

func dateTimeSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time"}}
}

func dateSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date"}}
}

func integerSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int32"}}
}

func int64Schema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64"}}
}

func numberSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}}
}

func booleanSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
}
