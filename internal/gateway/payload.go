package gateway

import (
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pgstay/backend/internal/apperr"
	"github.com/pgstay/backend/internal/models"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// PayloadValidator rejects webhook bodies that do not match the provider's schema.
type PayloadValidator struct {
	schemas map[models.GatewayProvider]*jsonschema.Schema
}

// NewPayloadValidator compiles one schema per provider from schemas/<provider>.json.
func NewPayloadValidator() (*PayloadValidator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	schemas := make(map[models.GatewayProvider]*jsonschema.Schema)
	for _, e := range entries {
		name := e.Name()
		provider := models.GatewayProvider(strings.TrimSuffix(name, path.Ext(name)))
		if !provider.Valid() {
			return nil, fmt.Errorf("schema %q: unknown provider", name)
		}
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", name, err)
		}
		id := "https://pgstay.dev/schemas/webhook/" + string(provider)
		schemas[provider], err = jsonschema.CompileString(id, string(data))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", provider, err)
		}
	}
	return &PayloadValidator{schemas: schemas}, nil
}

func (v *PayloadValidator) Validate(provider models.GatewayProvider, payload []byte) error {
	schema, ok := v.schemas[provider]
	if !ok {
		return fmt.Errorf("%w: no webhook schema for provider %q", apperr.ErrInvalidArgument, provider)
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", apperr.ErrInvalidArgument, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidArgument, err)
	}
	return nil
}
