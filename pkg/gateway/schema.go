package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var submitSchema = mustSchema(map[string]interface{}{
	"type":     "object",
	"required": []string{"message", "projectPath"},
	"properties": map[string]interface{}{
		"message":     map[string]interface{}{"type": "string", "minLength": 1},
		"projectPath": map[string]interface{}{"type": "string", "minLength": 1},
		"context": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"primaryFile": map[string]interface{}{"type": "string"},
				"references": map[string]interface{}{
					"type":  []string{"array", "null"},
					"items": map[string]interface{}{"type": "string", "minLength": 1},
				},
				"diffSummary": map[string]interface{}{"type": "string"},
			},
		},
		"conversationId": map[string]interface{}{"type": "string"},
		"modelProfileId": map[string]interface{}{"type": "string"},
		"runImmediately": map[string]interface{}{"type": "boolean"},
	},
})

var listSchema = mustSchema(map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"status": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"enum": []string{"pending", "dispatching", "dispatched", "completed", "failed", "cancelled"},
			},
		},
		"search": map[string]interface{}{"type": "string"},
		"scope":  map[string]interface{}{"type": "string"},
		"offset": map[string]interface{}{"type": "integer", "minimum": 0},
		"limit":  map[string]interface{}{"type": "integer", "minimum": 0},
	},
})

var idSchema = mustSchema(map[string]interface{}{
	"type":     "object",
	"required": []string{"id"},
	"properties": map[string]interface{}{
		"id": map[string]interface{}{"type": "string", "minLength": 1},
	},
})

var historySchema = mustSchema(map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"limit": map[string]interface{}{"type": "integer", "minimum": 0},
	},
})

func mustSchema(def map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(fmt.Sprintf("gateway: bad schema: %v", err))
	}
	return schema
}

// decodeParams validates raw against schema and decodes it into dst.
// Absent params validate as an empty object.
func decodeParams(schema *gojsonschema.Schema, raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage(`{}`)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return &RPCError{
			Code:    InvalidParams,
			Message: "Invalid params: " + strings.Join(problems, "; "),
			Data:    problems,
		}
	}

	if dst == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}
