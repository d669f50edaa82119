package handlers

import (
	"encoding/json"
	"net/http"
)

type schema = map[string]interface{}

func jsonResponse(description string, body schema) schema {
	return schema{
		"description": description,
		"content": schema{
			"application/json": schema{"schema": body},
		},
	}
}

func ref(name string) schema {
	return schema{"$ref": "#/components/schemas/" + name}
}

// OpenAPISpec returns the OpenAPI 3.0 specification for the forecast API
func OpenAPISpec(w http.ResponseWriter, r *http.Request) {
	spec := schema{
		"openapi": "3.0.0",
		"info": schema{
			"title":       "Real-time Temperature Forecast API",
			"description": "Hourly METAR ingestion with a next-hour temperature forecast for a single station",
			"version":     "1.0.0",
		},
		"servers": []map[string]string{
			{"url": "http://localhost:8080", "description": "Local development server"},
		},
		"paths": schema{
			"/fetch": schema{
				"get": schema{
					"summary":     "Trigger a forecast cycle",
					"description": "Admits a new cycle unless one is running or one started within the debounce interval. Returns immediately; the cycle runs in the background.",
					"responses": schema{
						"200": jsonResponse("Admission outcome", ref("RunResult")),
						"500": jsonResponse("Report store failure", ref("Error")),
					},
				},
			},
			"/api/reports": schema{
				"get": schema{
					"summary":     "List finalized reports",
					"description": "Succeeded and failed cycles, newest first",
					"parameters": []schema{
						{
							"name":        "page",
							"in":          "query",
							"description": "Page number (default: 1)",
							"required":    false,
							"schema":      schema{"type": "integer", "default": 1, "minimum": 1},
						},
						{
							"name":        "limit",
							"in":          "query",
							"description": "Reports per page (default: 50)",
							"required":    false,
							"schema":      schema{"type": "integer", "default": 50, "minimum": 1, "maximum": 500},
						},
					},
					"responses": schema{
						"200": jsonResponse("Paginated reports", schema{
							"type": "object",
							"properties": schema{
								"data":        schema{"type": "array", "items": ref("Report")},
								"total":       schema{"type": "integer"},
								"page":        schema{"type": "integer"},
								"limit":       schema{"type": "integer"},
								"total_pages": schema{"type": "integer"},
							},
						}),
						"400": jsonResponse("Invalid parameters", ref("Error")),
					},
				},
			},
			"/api/reports/latest": schema{
				"get": schema{
					"summary":     "Latest successful report",
					"description": "The newest succeeded report with the hourly series it was computed from",
					"responses": schema{
						"200": jsonResponse("Latest report", schema{
							"type": "object",
							"properties": schema{
								"report": ref("Report"),
								"series": schema{"type": "array", "items": ref("Observation")},
								"url":    schema{"type": "string", "description": "Time-limited download link for the series CSV"},
							},
						}),
						"404": jsonResponse("No report finalized yet", ref("Error")),
					},
				},
			},
			"/health": schema{
				"get": schema{
					"summary": "Health check",
					"responses": schema{
						"200": jsonResponse("Service is healthy", schema{
							"type": "object",
							"properties": schema{
								"status": schema{"type": "string"},
								"cycles": schema{
									"type": "object",
									"properties": schema{
										"running":      schema{"type": "boolean"},
										"pending":      schema{"type": "integer"},
										"model_loaded": schema{"type": "boolean"},
										"station":      schema{"type": "string"},
									},
								},
							},
						}),
						"503": schema{"description": "Report store unreachable"},
					},
				},
			},
			"/metrics": schema{
				"get": schema{
					"summary":     "Prometheus metrics",
					"description": "Prometheus metrics endpoint for monitoring",
					"responses": schema{
						"200": schema{
							"description": "Prometheus metrics in text format",
							"content": schema{
								"text/plain": schema{"schema": schema{"type": "string"}},
							},
						},
					},
				},
			},
		},
		"components": schema{
			"schemas": schema{
				"Report": schema{
					"type": "object",
					"properties": schema{
						"id":             schema{"type": "integer"},
						"active":         schema{"type": "boolean"},
						"status":         schema{"type": "string", "enum": []string{"running", "succeeded", "failed"}},
						"forecast":       schema{"type": "number", "description": "Next-hour temperature in Kelvin"},
						"path":           schema{"type": "string"},
						"url":            schema{"type": "string"},
						"url_expires_at": schema{"type": "string", "format": "date-time"},
						"error":          schema{"type": "string"},
						"created":        schema{"type": "string", "format": "date-time"},
						"updated":        schema{"type": "string", "format": "date-time"},
					},
				},
				"Observation": schema{
					"type": "object",
					"properties": schema{
						"date":      schema{"type": "string", "format": "date-time"},
						"air":       schema{"type": "number", "description": "Kelvin"},
						"synthetic": schema{"type": "boolean"},
					},
				},
				"RunResult": schema{
					"type": "object",
					"properties": schema{
						"status": schema{"type": "string", "enum": []string{"sent", "skipped"}},
						"report": ref("Report"),
					},
				},
				"Error": schema{
					"type": "object",
					"properties": schema{
						"error":   schema{"type": "string"},
						"message": schema{"type": "string"},
						"code":    schema{"type": "integer"},
					},
				},
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(spec)
}
