package detect

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"patterndb/core"
)

//go:embed schema/patterndb.schema.json
var databaseSchema []byte

var schemaLoader = gojsonschema.NewBytesLoader(databaseSchema)

// LoadDatabase reads a rule database document from a YAML or JSON file.
func LoadDatabase(filename string, logger *zap.SugaredLogger) (*core.Database, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule database: %w", err)
	}
	db, err := ParseDatabase(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	logger.Infow("Rule database read",
		"file", filename,
		"rulesets", len(db.Rulesets),
		"rules", db.RuleCount(),
		"version", db.Version)
	return db, nil
}

// ParseDatabase decodes and validates a rule database document. JSON input
// is accepted as a subset of YAML.
func ParseDatabase(data []byte) (*core.Database, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if raw == nil {
		return nil, ErrEmptyDatabase
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to validate rule database against schema: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, strings.Join(msgs, "; "))
	}

	var db core.Database
	if err := yaml.Unmarshal(data, &db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	validate := validator.New()
	if err := validate.Struct(&db); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return &db, nil
}
