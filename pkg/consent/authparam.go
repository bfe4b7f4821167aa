package consent

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/airyland/ArConnect/pkg/contracts"
)

// AuthParam is the query parameter that carries the serialized request to
// the popup.
const AuthParam = "auth"

const authRequestSchemaURL = "https://weavemask.schemas.local/consent/auth-request.schema.json"

const authRequestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["correlationId", "type", "url"],
  "properties": {
    "correlationId": {"type": "string", "minLength": 1},
    "type": {"enum": ["connect", "spend_limit"]},
    "url": {"type": "string", "minLength": 1},
    "state": {"type": "string"},
    "attempt": {"type": "integer", "minimum": 0},
    "createdAt": {"type": "string"},
    "payload": {
      "type": "object",
      "properties": {
        "permissions": {"type": "array", "items": {"type": "string"}},
        "appInfo": {
          "type": "object",
          "properties": {
            "name": {"type": "string"},
            "logo": {"type": "string"}
          }
        },
        "gateway": {
          "type": "object",
          "required": ["host", "port", "protocol"],
          "properties": {
            "host": {"type": "string", "minLength": 1},
            "port": {"type": "integer", "minimum": 0, "maximum": 65535},
            "protocol": {"enum": ["http", "https"]}
          }
        },
        "spendingLimitReached": {"type": "boolean"},
        "price": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var authRequestValidator = mustCompile(authRequestSchemaURL, authRequestSchema)

func mustCompile(schemaURL, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("consent: schema load failed: %v", err))
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("consent: schema compile failed: %v", err))
	}
	return compiled
}

// EncodeAuthParam serializes req into the value of the auth query parameter.
func EncodeAuthParam(req contracts.AuthRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("consent: encode auth param: %w", err)
	}
	return url.QueryEscape(string(data)), nil
}

// DecodeAuthParam parses an auth query parameter value. A missing, garbled
// or structurally invalid value is ErrInvalidAuthCall.
func DecodeAuthParam(raw string) (contracts.AuthRequest, error) {
	var req contracts.AuthRequest
	if strings.TrimSpace(raw) == "" {
		return req, fmt.Errorf("%w: missing %s parameter", contracts.ErrInvalidAuthCall, AuthParam)
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return req, fmt.Errorf("%w: %v", contracts.ErrInvalidAuthCall, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return req, fmt.Errorf("%w: %v", contracts.ErrInvalidAuthCall, err)
	}
	if err := authRequestValidator.Validate(doc); err != nil {
		return req, fmt.Errorf("%w: %v", contracts.ErrInvalidAuthCall, err)
	}
	if err := json.Unmarshal([]byte(decoded), &req); err != nil {
		return req, fmt.Errorf("%w: %v", contracts.ErrInvalidAuthCall, err)
	}
	if req.Payload.AppInfo != nil {
		info := req.Payload.AppInfo.Normalize()
		req.Payload.AppInfo = &info
	}
	return req, nil
}

// PopupURL appends the encoded request to base.
func PopupURL(base string, req contracts.AuthRequest) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("consent: bad popup url %q: %w", base, err)
	}
	param, err := EncodeAuthParam(req)
	if err != nil {
		return "", err
	}
	q := u.RawQuery
	if q != "" {
		q += "&"
	}
	u.RawQuery = q + AuthParam + "=" + param
	return u.String(), nil
}

// RequestFromURL extracts and decodes the auth parameter of a popup URL.
func RequestFromURL(raw string) (contracts.AuthRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return contracts.AuthRequest{}, fmt.Errorf("%w: %v", contracts.ErrInvalidAuthCall, err)
	}
	// DecodeAuthParam takes the escaped form, so scan the raw query instead
	// of letting url.Values unescape it.
	for _, kv := range strings.Split(u.RawQuery, "&") {
		if v, ok := strings.CutPrefix(kv, AuthParam+"="); ok {
			return DecodeAuthParam(v)
		}
	}
	return DecodeAuthParam("")
}
