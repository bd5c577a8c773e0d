package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/flowrun/broker/httpconn"
	"goa.design/flowrun/faults"
	"goa.design/flowrun/handler"
	"goa.design/flowrun/value"
)

const maxResponseBody = 4 << 20 // 4 MiB

var httpRequestSchema = []byte(`{
	"type": "object",
	"required": ["url"],
	"properties": {
		"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
		"url": {"type": "string", "minLength": 1},
		"headers": {"type": "object"},
		"body": {},
		"timeout": {"type": "number", "exclusiveMinimum": 0}
	},
	"additionalProperties": false
}`)

// HTTPRequest returns the http.request handler backed by the shared HTTP
// broker. URL, headers and body are templates rendered against the execution
// scope. Non-2xx responses fail the node with an UPSTREAM fault carrying the
// status and a body excerpt.
func HTTPRequest(broker *httpconn.Broker) handler.Handler {
	return handler.New(handler.Def{
		TypeName: "http.request",
		Schema:   httpRequestSchema,
		Async:    true,
		Run: func(ctx context.Context, inv *handler.Invocation) (value.Value, error) {
			cfg, err := inv.Evaluator.RenderConfig(inv.Config)
			if err != nil {
				return value.Null(), err
			}

			url, _ := cfg["url"].(string)
			if url == "" {
				return value.Null(), faults.New(faults.KindConfig, `http.request: "url" is required`)
			}
			method, _ := cfg["method"].(string)
			if method == "" {
				method = http.MethodGet
			}

			var body io.Reader
			switch b := cfg["body"].(type) {
			case nil:
			case string:
				body = strings.NewReader(b)
			default:
				data, err := json.Marshal(b)
				if err != nil {
					return value.Null(), faults.Wrap(faults.KindData, "http.request: encode body", err)
				}
				body = bytes.NewReader(data)
			}

			req, err := http.NewRequestWithContext(ctx, method, url, body)
			if err != nil {
				return value.Null(), faults.Wrap(faults.KindConfig, "http.request: build request", err)
			}
			if headers, ok := cfg["headers"].(map[string]any); ok {
				for name, raw := range headers {
					if s, ok := raw.(string); ok {
						req.Header.Set(name, s)
					}
				}
			}
			if _, isJSON := cfg["body"].(map[string]any); isJSON && req.Header.Get("Content-Type") == "" {
				req.Header.Set("Content-Type", "application/json")
			}

			var timeout time.Duration
			if raw, ok := cfg["timeout"].(float64); ok {
				timeout = time.Duration(raw * float64(time.Second))
			}
			client, err := broker.Client(httpconn.Params{Timeout: timeout})
			if err != nil {
				return value.Null(), err
			}

			resp, err := client.Do(req)
			if err != nil {
				return value.Null(), err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
			if err != nil {
				return value.Null(), faults.Wrap(faults.KindUpstream, "http.request: read response", err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				excerpt := string(data)
				if len(excerpt) > 256 {
					excerpt = excerpt[:256]
				}
				return value.Null(), faults.Errorf(faults.KindUpstream,
					"http.request: %s %s returned %d: %s", method, url, resp.StatusCode, excerpt)
			}

			return responseValue(resp, data)
		},
	})
}

// responseValue builds the node output: status, headers and the body, parsed
// when the upstream declares JSON.
func responseValue(resp *http.Response, data []byte) (value.Value, error) {
	headers := make(map[string]value.Value, len(resp.Header))
	for name := range resp.Header {
		headers[name] = value.String(resp.Header.Get(name))
	}

	bodyVal := value.String(string(data))
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") && len(data) > 0 {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			v, err := value.FromAny(decoded)
			if err != nil {
				return value.Null(), faults.Wrap(faults.KindData, "http.request: convert response body", err)
			}
			bodyVal = v
		}
	}

	return value.Object(map[string]value.Value{
		"status":  value.Int(int64(resp.StatusCode)),
		"headers": value.Object(headers),
		"body":    bodyVal,
	}), nil
}
