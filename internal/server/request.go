package server

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed agent_request.schema.json
var agentRequestSchema []byte

const agentRequestSchemaID = "inmemory://agent-request.schema.json"

func compileAgentSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(agentRequestSchemaID, bytes.NewReader(agentRequestSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(agentRequestSchemaID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// agentParams collects request parameters from the query string and, for
// POST, from a form or JSON body. Body values win over query values.
func (s *Server) agentParams(w http.ResponseWriter, r *http.Request) (map[string]string, error) {
	params := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[strings.ToLower(k)] = v[0]
		}
	}
	if r.Method != http.MethodPost {
		return params, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxRequestBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/json":
		body, err := s.decodeJSONBody(r.Body)
		if err != nil {
			return nil, err
		}
		for k, v := range body {
			params[strings.ToLower(k)] = v
		}
	case "application/x-www-form-urlencoded", "multipart/form-data":
		var err error
		if mediaType == "multipart/form-data" {
			err = r.ParseMultipartForm(s.opts.MaxRequestBytes)
		} else {
			err = r.ParseForm()
		}
		if err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				params[strings.ToLower(k)] = v[0]
			}
		}
	case "":
		// Some agents POST without a body at all.
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
	return params, nil
}

// decodeJSONBody validates the body against the agent request schema and
// flattens scalar members to strings. Nested values are dropped.
func (s *Server) decodeJSONBody(body io.Reader) (map[string]string, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, fmt.Errorf("decode json body: %w", err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	obj, _ := doc.(map[string]any)
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}
