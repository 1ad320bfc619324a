package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// ValidationMiddleware validates requests against an OpenAPI document
type ValidationMiddleware struct {
	router  routers.Router
	logger  *logrus.Logger
	enabled bool
}

// ValidationConfig configures the validation middleware
type ValidationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// NewValidationMiddleware creates a new validation middleware from a YAML or JSON document
func NewValidationMiddleware(config *ValidationConfig, spec []byte, logger *logrus.Logger) (*ValidationMiddleware, error) {
	if config == nil {
		config = &ValidationConfig{Enabled: false}
	}

	vm := &ValidationMiddleware{
		logger:  logger,
		enabled: config.Enabled,
	}

	if !config.Enabled {
		logger.Info("API validation middleware disabled")
		return vm, nil
	}

	if err := vm.loadOpenAPISpec(spec); err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI spec: %w", err)
	}

	logger.Info("API validation middleware enabled")
	return vm, nil
}

// loadOpenAPISpec parses and validates the OpenAPI document
func (vm *ValidationMiddleware) loadOpenAPISpec(spec []byte) error {
	loader := openapi3.NewLoader()

	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return fmt.Errorf("failed to parse OpenAPI spec: %w", err)
	}

	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("invalid OpenAPI spec: %w", err)
	}

	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return fmt.Errorf("failed to create OpenAPI router: %w", err)
	}

	vm.router = router
	return nil
}

// Middleware returns the HTTP middleware function
func (vm *ValidationMiddleware) Middleware(next http.Handler) http.Handler {
	if !vm.enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := vm.validateRequest(r); err != nil {
			vm.logger.WithError(err).WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Warn("Request validation failed")

			vm.writeValidationError(w, err)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// validateRequest validates an HTTP request against the OpenAPI spec
func (vm *ValidationMiddleware) validateRequest(r *http.Request) error {
	route, pathParams, err := vm.router.FindRoute(r)
	if err != nil {
		// undocumented routes such as /metrics and /docs pass through
		if errors.Is(err, routers.ErrPathNotFound) || errors.Is(err, routers.ErrMethodNotAllowed) {
			return nil
		}
		return fmt.Errorf("route lookup failed: %w", err)
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
	}

	input := &openapi3filter.RequestValidationInput{
		Request:    r.Clone(r.Context()),
		PathParams: pathParams,
		Route:      route,
		Options:    &openapi3filter.Options{MultiError: false},
	}
	input.Request.Body = io.NopCloser(bytes.NewReader(body))

	if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
		return fmt.Errorf("request validation failed: %w", err)
	}

	return nil
}

// writeValidationError writes a validation error response
func (vm *ValidationMiddleware) writeValidationError(w http.ResponseWriter, err error) {
	errorDetail := parseValidationError(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": errorDetail.Message,
			"type":    "validation_error",
			"code":    http.StatusBadRequest,
			"details": errorDetail.Details,
		},
		"timestamp": time.Now().Unix(),
	})
}

// ValidationErrorDetail contains parsed validation error information
type ValidationErrorDetail struct {
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func parseValidationError(err error) *ValidationErrorDetail {
	detail := &ValidationErrorDetail{
		Message: "Request validation failed",
		Details: make(map[string]interface{}),
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Parameter != nil:
			detail.Message = fmt.Sprintf("Invalid parameter %q", reqErr.Parameter.Name)
			detail.Details["parameter"] = reqErr.Parameter.Name
		case reqErr.RequestBody != nil:
			detail.Message = "Invalid request body"
			detail.Details["field"] = "request body"
		}
		detail.Details["error"] = reqErr.Error()
		return detail
	}

	detail.Details["error"] = err.Error()
	return detail
}

var validate = validator.New()

// FieldErrors describes struct tag violations by field
type FieldErrors struct {
	Fields map[string]string `json:"fields"`
}

func (e *FieldErrors) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, msg := range e.Fields {
		parts = append(parts, msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ValidateStruct checks validate tags on s
func ValidateStruct(s interface{}) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	fields := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			fields[field] = fmt.Sprintf("%s is required", field)
		case "min", "gte":
			fields[field] = fmt.Sprintf("%s must be at least %s", field, fe.Param())
		case "max", "lte":
			fields[field] = fmt.Sprintf("%s must be at most %s", field, fe.Param())
		default:
			fields[field] = fmt.Sprintf("%s validation failed on '%s' tag", field, fe.Tag())
		}
	}
	return &FieldErrors{Fields: fields}
}

// DecodeJSON reads a size-limited JSON body into dst and validates it
func DecodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return ValidateStruct(dst)
}
