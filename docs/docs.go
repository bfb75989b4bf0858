// Package docs holds the hand-authored OpenAPI description of the HTTP
// surface served by cmd/server, registered with swag the same way a
// swag-init-generated package would be, so swaggo/http-swagger can serve it
// without a separate codegen step.
package docs

import "github.com/swaggo/swag"

var doc = `{
    "swagger": "2.0",
    "info": {
        "title": "PulseHub Profile Engine API",
        "description": "Dynamic profile ingestion, aggregation, and real-time streaming surface.",
        "version": "1.0.0"
    },
    "basePath": "/",
    "paths": {
        "/healthz": {
            "get": {
                "summary": "Liveness probe",
                "responses": { "200": { "description": "ok" } }
            }
        },
        "/v1/events": {
            "post": {
                "summary": "Ingest a user activity event",
                "parameters": [
                    {
                        "in": "body",
                        "name": "body",
                        "required": true,
                        "schema": { "$ref": "#/definitions/IngestPayload" }
                    }
                ],
                "responses": {
                    "202": { "description": "accepted" },
                    "400": { "description": "invalid payload" },
                    "429": { "description": "rate limited" }
                }
            }
        },
        "/v1/profiles/{user_id}": {
            "get": {
                "summary": "Fetch an assembled profile snapshot",
                "parameters": [
                    { "in": "path", "name": "user_id", "required": true, "type": "string" }
                ],
                "responses": {
                    "200": { "description": "profile snapshot" },
                    "404": { "description": "not found" }
                }
            }
        },
        "/v1/stream": {
            "get": {
                "summary": "Upgrade to a WebSocket stream of ProfileUpdated events",
                "responses": { "101": { "description": "switching protocols" } }
            }
        }
    },
    "definitions": {
        "IngestPayload": {
            "type": "object",
            "required": ["user_id", "event_type"],
            "properties": {
                "user_id": { "type": "string" },
                "event_type": { "type": "string", "enum": ["PAGE_VIEW", "SESSION_START", "DEVICE_OBSERVED"] },
                "device_raw_token": { "type": "string" },
                "count": { "type": "integer" },
                "timestamp": { "type": "string", "format": "date-time" }
            }
        }
    }
}`

type swaggerInfo struct {
	Version     string
	Host        string
	BasePath    string
	Schemes     []string
	Title       string
	Description string
}

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = swaggerInfo{
	Version:     "1.0.0",
	Host:        "",
	BasePath:    "/",
	Schemes:     []string{},
	Title:       "PulseHub Profile Engine API",
	Description: "Dynamic profile ingestion, aggregation, and real-time streaming surface.",
}

type s struct{}

func (s *s) ReadDoc() string {
	return doc
}

func init() {
	swag.Register(swag.Name, &s{})
}
