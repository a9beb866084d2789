package agents

// JSON Schemas for structured node output. The generator guarantees its
// output validates against these before a node ever parses it.

const plannerSchema = `{
	"type": "object",
	"required": ["queries"],
	"properties": {
		"queries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["category", "query"],
				"properties": {
					"category": {"type": "string", "enum": ["documents", "transcripts", "communications"]},
					"query": {"type": "string", "minLength": 1},
					"rationale": {"type": "string"}
				}
			}
		}
	}
}`

const analystSchema = `{
	"type": "object",
	"required": ["findings"],
	"properties": {
		"findings": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["statement", "confidence"],
				"properties": {
					"statement": {"type": "string", "minLength": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"evidence_id": {"type": "string"}
				}
			}
		},
		"entities": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["name", "kind"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"kind": {"type": "string"},
					"evidence_ids": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"events": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["description", "occurred_at"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"occurred_at": {"type": "string", "format": "date-time"},
					"evidence_ids": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

const correlatorSchema = `{
	"type": "object",
	"properties": {
		"contradictions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["description"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"evidence_ids": {"type": "array", "items": {"type": "string"}}
				}
			}
		},
		"gaps": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["description"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"category": {"type": "string"}
				}
			}
		},
		"chains": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["theory", "event_ids"],
				"properties": {
					"theory": {"type": "string"},
					"event_ids": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

const synthesisSchema = `{
	"type": "object",
	"required": ["sections"],
	"properties": {
		"sections": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["title", "body"],
				"properties": {
					"title": {"type": "string", "minLength": 1},
					"body": {"type": "string"}
				}
			}
		}
	}
}`
