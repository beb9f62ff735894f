package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stellarlinkco/toolgate/pkg/tool"
)

// remoteTool bridges one discovered provider tool into the registry.
type remoteTool struct {
	name        string
	remoteName  string
	description string
	schema      *tool.JSONSchema
	conn        Conn
}

func (r *remoteTool) Name() string             { return r.name }
func (r *remoteTool) Description() string      { return r.description }
func (r *remoteTool) Schema() *tool.JSONSchema { return r.schema }

func (r *remoteTool) Execute(ctx context.Context, params map[string]any) (*tool.Result, error) {
	return r.conn.CallTool(ctx, r.remoteName, params)
}

// qualifiedName namespaces a provider tool so two servers exposing the same
// tool name cannot collide in the registry.
func qualifiedName(server, toolName string) string {
	if server == "" {
		return toolName
	}
	return server + "__" + toolName
}

func buildRemoteTools(server string, conn Conn) ([]tool.Tool, error) {
	descriptors := conn.Tools()
	wrappers := make([]tool.Tool, 0, len(descriptors))
	seen := make(map[string]struct{}, len(descriptors))
	for _, desc := range descriptors {
		name := qualifiedName(server, desc.Name)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("server %s advertises tool %q twice", server, desc.Name)
		}
		seen[name] = struct{}{}
		schema, err := convertSchema(desc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", desc.Name, err)
		}
		wrappers = append(wrappers, &remoteTool{
			name:        name,
			remoteName:  desc.Name,
			description: desc.Description,
			schema:      schema,
			conn:        conn,
		})
	}
	return wrappers, nil
}

func convertSchema(raw any) (*tool.JSONSchema, error) {
	if raw == nil {
		return nil, nil
	}
	var data []byte
	switch v := raw.(type) {
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	case *tool.JSONSchema:
		return v, nil
	default:
		var err error
		data, err = json.Marshal(raw)
		if err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var schema tool.JSONSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
